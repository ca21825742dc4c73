package main

import (
	"fmt"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/skobkin/labtelemetry/internal/convert"
)

// ChannelSummary is the spread of one physical quantity over a run.
type ChannelSummary struct {
	Name   string  `json:"name"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	// RelativeError is StdDev/Mean; zero when the mean is zero.
	RelativeError float64 `json:"relative_error"`
}

// Summary describes a stream measurement run.
type Summary struct {
	Readings       int              `json:"readings"`
	Elapsed        time.Duration    `json:"-"`
	PerReading     time.Duration    `json:"-"`
	ElapsedSeconds float64          `json:"elapsed_seconds"`
	Channels       []ChannelSummary `json:"channels"`
	Discarded      int              `json:"discarded"`
	DecodeErrors   uint64           `json:"decode_errors"`
	FrameErrors    uint64           `json:"frame_errors"`
}

// Summarize computes mean and population standard deviation per quantity.
func Summarize(readings []convert.Reading, elapsed time.Duration) (Summary, error) {
	if len(readings) == 0 {
		return Summary{}, fmt.Errorf("no readings")
	}

	columns := []struct {
		name    string
		extract func(convert.Reading) float64
	}{
		{"chamber", func(r convert.Reading) float64 { return r.PressureRoom }},
		{"dewar", func(r convert.Reading) float64 { return r.PressureCryo }},
		{"icr temp", func(r convert.Reading) float64 { return r.TemperatureICR }},
		{"ich temp", func(r convert.Reading) float64 { return r.TemperatureICH }},
	}

	s := Summary{
		Readings:       len(readings),
		Elapsed:        elapsed,
		PerReading:     elapsed / time.Duration(len(readings)),
		ElapsedSeconds: elapsed.Seconds(),
	}
	for _, col := range columns {
		data := make(stats.Float64Data, len(readings))
		for i, r := range readings {
			data[i] = col.extract(r)
		}
		mean, err := data.Mean()
		if err != nil {
			return Summary{}, fmt.Errorf("%s mean: %w", col.name, err)
		}
		std, err := data.StandardDeviationPopulation()
		if err != nil {
			return Summary{}, fmt.Errorf("%s std dev: %w", col.name, err)
		}
		ch := ChannelSummary{Name: col.name, Mean: mean, StdDev: std}
		if mean != 0 {
			ch.RelativeError = std / mean
		}
		s.Channels = append(s.Channels, ch)
	}
	return s, nil
}
