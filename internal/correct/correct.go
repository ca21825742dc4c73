// Package correct reduces a column of repeated voltage samples to a single value,
// discarding samples that were shifted by transmission corruption.
package correct

import (
	"errors"
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
)

// DefaultTolerance is the spread, in volts, above which filtering kicks in.
const DefaultTolerance = 0.1

// ErrNoSamplesWithinTolerance means every sample deviated from the median by at least
// the tolerance, so no representative value exists.
var ErrNoSamplesWithinTolerance = errors.New("no samples within tolerance of median")

// ErrNoSamples is returned for an empty input.
var ErrNoSamples = errors.New("no samples")

// OutlierError reports a column that could not be reduced.
type OutlierError struct {
	Samples   []float64
	Tolerance float64
	Err       error
}

func (e *OutlierError) Error() string {
	return fmt.Sprintf("correct %d samples (tolerance %g): %v", len(e.Samples), e.Tolerance, e.Err)
}

func (e *OutlierError) Unwrap() error {
	return e.Err
}

// Result describes how a column was reduced.
type Result struct {
	Value    float64
	Range    float64
	Median   float64
	Kept     int
	Filtered bool
}

// Correct returns the representative voltage for samples.
func Correct(samples []float64, tolerance float64) (float64, error) {
	res, err := Analyze(samples, tolerance)
	if err != nil {
		return 0, err
	}
	return res.Value, nil
}

// Analyze reduces samples to one value. When max-min is within tolerance the plain mean
// is returned. Otherwise only samples strictly closer than tolerance to the median are
// averaged.
func Analyze(samples []float64, tolerance float64) (Result, error) {
	fail := func(err error) (Result, error) {
		return Result{}, &OutlierError{Samples: append([]float64(nil), samples...), Tolerance: tolerance, Err: err}
	}

	if len(samples) == 0 {
		return fail(ErrNoSamples)
	}
	if math.IsNaN(tolerance) || tolerance < 0 {
		return fail(fmt.Errorf("invalid tolerance %g", tolerance))
	}
	for _, v := range samples {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fail(fmt.Errorf("non-finite sample %g", v))
		}
	}

	data := stats.Float64Data(samples)
	lo, err := data.Min()
	if err != nil {
		return fail(err)
	}
	hi, err := data.Max()
	if err != nil {
		return fail(err)
	}
	median, err := data.Median()
	if err != nil {
		return fail(err)
	}

	res := Result{Range: hi - lo, Median: median}
	if res.Range <= tolerance {
		mean, err := data.Mean()
		if err != nil {
			return fail(err)
		}
		res.Value = mean
		res.Kept = len(samples)
		return res, nil
	}

	res.Filtered = true
	kept := make(stats.Float64Data, 0, len(samples))
	for _, v := range samples {
		if math.Abs(v-median) < tolerance {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		return fail(ErrNoSamplesWithinTolerance)
	}
	mean, err := kept.Mean()
	if err != nil {
		return fail(err)
	}
	res.Value = mean
	res.Kept = len(kept)
	return res, nil
}
