// Package convert maps corrected sensor voltages to physical units.
package convert

import (
	"fmt"
	"math"
)

const kelvinOffset = 273.15

// Calibration holds the constants of the pressure and thermistor channels.
type Calibration struct {
	// Pressure p = 10^(Slope*v + Offset).
	PressureSlope  float64 `yaml:"pressure_slope"`
	PressureOffset float64 `yaml:"pressure_offset"`

	// Divider supply voltage and series resistors for the thermistor channels.
	SupplyVoltage float64 `yaml:"supply_voltage"`
	SeriesICR     float64 `yaml:"series_icr"`
	SeriesICH     float64 `yaml:"series_ich"`

	// Steinhart-Hart coefficients, referenced to R25.
	A   float64 `yaml:"a"`
	B   float64 `yaml:"b"`
	C   float64 `yaml:"c"`
	D   float64 `yaml:"d"`
	R25 float64 `yaml:"r25"`
}

// DefaultCalibration matches the installed gauges and 100k NTC thermistors.
func DefaultCalibration() Calibration {
	return Calibration{
		PressureSlope:  3,
		PressureOffset: -10,
		SupplyVoltage:  3.3,
		SeriesICR:      1e5,
		SeriesICH:      1e5,
		A:              3.354016e-3,
		B:              2.460382e-4,
		C:              3.405377e-6,
		D:              1.034240e-7,
		R25:            1e5,
	}
}

// Validate checks that the constants can produce finite results.
func (c Calibration) Validate() error {
	for name, v := range map[string]float64{
		"pressure_slope":  c.PressureSlope,
		"pressure_offset": c.PressureOffset,
		"supply_voltage":  c.SupplyVoltage,
		"series_icr":      c.SeriesICR,
		"series_ich":      c.SeriesICH,
		"a":               c.A,
		"b":               c.B,
		"c":               c.C,
		"d":               c.D,
		"r25":             c.R25,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s must be finite", name)
		}
	}
	if c.SupplyVoltage <= 0 {
		return fmt.Errorf("supply_voltage must be > 0")
	}
	if c.SeriesICR <= 0 || c.SeriesICH <= 0 {
		return fmt.Errorf("series resistors must be > 0")
	}
	if c.R25 <= 0 {
		return fmt.Errorf("r25 must be > 0")
	}
	return nil
}

// Reading is one cycle's worth of physical values.
type Reading struct {
	PressureRoom   float64 `json:"pressure_room"`
	PressureCryo   float64 `json:"pressure_cryo"`
	TemperatureICR float64 `json:"temperature_icr"`
	TemperatureICH float64 `json:"temperature_ich"`
}

// ConversionError reports an input that has no physical meaning under the calibration.
type ConversionError struct {
	Quantity string
	Input    float64
	Reason   string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %s from %g: %s", e.Quantity, e.Input, e.Reason)
}

// Converter applies a Calibration. The zero value is not usable; use New.
type Converter struct {
	cal Calibration
}

// New builds a Converter after validating cal.
func New(cal Calibration) (Converter, error) {
	if err := cal.Validate(); err != nil {
		return Converter{}, fmt.Errorf("calibration: %w", err)
	}
	return Converter{cal: cal}, nil
}

// Calibration returns the constants in use.
func (c Converter) Calibration() Calibration {
	return c.cal
}

// Convert maps the four corrected voltages to pressures and temperatures.
func (c Converter) Convert(vRoom, vCryo, vICR, vICH float64) (Reading, error) {
	var (
		r   Reading
		err error
	)
	if r.PressureRoom, err = c.Pressure("pressure_room", vRoom); err != nil {
		return Reading{}, err
	}
	if r.PressureCryo, err = c.Pressure("pressure_cryo", vCryo); err != nil {
		return Reading{}, err
	}
	if r.TemperatureICR, err = c.Temperature("temperature_icr", vICR, c.cal.SeriesICR); err != nil {
		return Reading{}, err
	}
	if r.TemperatureICH, err = c.Temperature("temperature_ich", vICH, c.cal.SeriesICH); err != nil {
		return Reading{}, err
	}
	return r, nil
}

// Pressure applies the log-linear gauge calibration.
func (c Converter) Pressure(quantity string, v float64) (float64, error) {
	if !finite(v) {
		return 0, &ConversionError{Quantity: quantity, Input: v, Reason: "non-finite voltage"}
	}
	p := math.Pow(10, c.cal.PressureSlope*v+c.cal.PressureOffset)
	if !finite(p) || p <= 0 {
		return 0, &ConversionError{Quantity: quantity, Input: v, Reason: fmt.Sprintf("pressure out of range (%g)", p)}
	}
	return p, nil
}

// Resistance solves the voltage divider for the thermistor resistance.
func (c Converter) Resistance(quantity string, v, series float64) (float64, error) {
	if !finite(v) {
		return 0, &ConversionError{Quantity: quantity, Input: v, Reason: "non-finite voltage"}
	}
	drop := c.cal.SupplyVoltage - v
	if drop == 0 {
		return 0, &ConversionError{Quantity: quantity, Input: v, Reason: "voltage equals supply, open thermistor"}
	}
	r := v / drop * series
	if !finite(r) || r <= 0 {
		return 0, &ConversionError{Quantity: quantity, Input: v, Reason: fmt.Sprintf("non-positive resistance %g", r)}
	}
	return r, nil
}

// Temperature converts a thermistor divider voltage to degrees Celsius.
func (c Converter) Temperature(quantity string, v, series float64) (float64, error) {
	r, err := c.Resistance(quantity, v, series)
	if err != nil {
		return 0, err
	}
	return c.SteinhartHart(quantity, v, r)
}

// SteinhartHart converts a thermistor resistance to degrees Celsius. v is only used to
// annotate errors.
func (c Converter) SteinhartHart(quantity string, v, resistance float64) (float64, error) {
	x := math.Log(resistance / c.cal.R25)
	denom := c.cal.A + c.cal.B*x + c.cal.C*x*x + c.cal.D*x*x*x
	if denom == 0 || !finite(denom) {
		return 0, &ConversionError{Quantity: quantity, Input: v, Reason: "steinhart-hart denominator is zero"}
	}
	tc := 1/denom - kelvinOffset
	if !finite(tc) {
		return 0, &ConversionError{Quantity: quantity, Input: v, Reason: "non-finite temperature"}
	}
	return tc, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
