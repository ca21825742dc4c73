// Package telemetry turns the readout device's free-running ASCII stream into voltage
// samples, absorbing transmission corruption along the way.
package telemetry

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Channel names, in frame order.
const (
	ChannelRoom = "room"
	ChannelCryo = "cryo"
	ChannelICR  = "icr"
	ChannelICH  = "ich"
)

// Quadruple holds one voltage per logical channel from a single frame.
type Quadruple struct {
	Room float64 `json:"room"`
	Cryo float64 `json:"cryo"`
	ICR  float64 `json:"icr"`
	ICH  float64 `json:"ich"`
}

// FieldSpec locates one channel value relative to the frame marker.
type FieldSpec struct {
	Channel string
	Start   int
	Width   int
}

// FrameSchema is the fixed-width layout of a frame. The device prints one line per
// channel, each a channel digit followed by a four character voltage and CRLF:
//
//	\n4V.VV\r\n5V.VV\r\n6V.VV\r\n7V.VV
//
// so the fields sit at fixed offsets from the "\n4" marker.
type FrameSchema struct {
	Marker string
	Fields [4]FieldSpec
}

// DefaultSchema is the layout emitted by the readout firmware.
var DefaultSchema = FrameSchema{
	Marker: "\n4",
	Fields: [4]FieldSpec{
		{Channel: ChannelRoom, Start: 2, Width: 4},
		{Channel: ChannelCryo, Start: 9, Width: 4},
		{Channel: ChannelICR, Start: 16, Width: 4},
		{Channel: ChannelICH, Start: 23, Width: 4},
	},
}

// Span returns the number of runes from the marker to the end of the last field.
func (s FrameSchema) Span() int {
	span := len([]rune(s.Marker))
	for _, f := range s.Fields {
		if end := f.Start + f.Width; end > span {
			span = end
		}
	}
	return span
}

// ParseFrame extracts a Quadruple from decoded text using DefaultSchema.
func ParseFrame(text string) (Quadruple, error) {
	return DefaultSchema.Parse(text)
}

// Parse extracts a Quadruple from the first marker in text. The frame is validated
// structurally before any field is parsed; a marker too close to the end of the text
// fails the whole extraction rather than moving on to a later marker.
func (s FrameSchema) Parse(text string) (Quadruple, error) {
	runes := []rune(text)
	marker := []rune(s.Marker)

	at := indexRunes(runes, marker)
	if at < 0 {
		return Quadruple{}, &FrameError{Reason: "marker not found", Marker: -1}
	}
	if at+s.Span() > len(runes) {
		return Quadruple{}, &FrameError{
			Reason: fmt.Sprintf("truncated frame: need %d runes, have %d", s.Span(), len(runes)-at),
			Marker: at,
		}
	}

	var values [4]float64
	for i, f := range s.Fields {
		raw := string(runes[at+f.Start : at+f.Start+f.Width])
		v, err := parseField(raw)
		if err != nil {
			return Quadruple{}, &FrameError{Reason: "bad field", Field: f.Channel, Marker: at, Err: err}
		}
		values[i] = v
	}

	return Quadruple{Room: values[0], Cryo: values[1], ICR: values[2], ICH: values[3]}, nil
}

func parseField(raw string) (float64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("empty field %q", raw)
	}
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite field %q", raw)
	}
	return v, nil
}

func indexRunes(haystack, needle []rune) int {
	if len(needle) == 0 {
		return 0
	}
outer:
	for i := 0; i+len(needle) <= len(haystack); i++ {
		for j, r := range needle {
			if haystack[i+j] != r {
				continue outer
			}
		}
		return i
	}
	return -1
}
