package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/labtelemetry/internal/convert"
)

func TestSummarize(t *testing.T) {
	readings := []convert.Reading{
		{PressureRoom: 2, PressureCryo: 1, TemperatureICR: 20, TemperatureICH: 0},
		{PressureRoom: 4, PressureCryo: 1, TemperatureICR: 22, TemperatureICH: 0},
	}

	s, err := Summarize(readings, 2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, 2, s.Readings)
	assert.Equal(t, time.Second, s.PerReading)
	require.Len(t, s.Channels, 4)

	chamber := s.Channels[0]
	assert.Equal(t, "chamber", chamber.Name)
	assert.InDelta(t, 3, chamber.Mean, 1e-12)
	assert.InDelta(t, 1, chamber.StdDev, 1e-12, "population standard deviation")
	assert.InDelta(t, 1.0/3, chamber.RelativeError, 1e-12)

	assert.Zero(t, s.Channels[1].StdDev)
	assert.Zero(t, s.Channels[3].RelativeError, "zero mean leaves the relative error at zero")
}

func TestSummarizeRejectsEmptyRun(t *testing.T) {
	_, err := Summarize(nil, time.Second)
	assert.Error(t, err)
}

func TestPrintSummary(t *testing.T) {
	s, err := Summarize([]convert.Reading{{PressureRoom: 3, PressureCryo: 1, TemperatureICR: 20, TemperatureICH: 21}}, time.Second)
	require.NoError(t, err)

	var text bytes.Buffer
	require.NoError(t, printSummary(&text, s, false))
	assert.True(t, strings.HasPrefix(text.String(), "It takes 1s to sample 1 readings"))
	assert.Contains(t, text.String(), "chamber:")

	var raw bytes.Buffer
	require.NoError(t, printSummary(&raw, s, true))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw.Bytes(), &decoded))
	assert.Equal(t, float64(1), decoded["readings"])
	assert.Equal(t, float64(1), decoded["elapsed_seconds"])
}
