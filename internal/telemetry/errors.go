package telemetry

import (
	"errors"
	"fmt"
)

// ErrReadAttemptsExhausted is returned when no valid frame could be extracted within the
// configured number of chunk reads.
var ErrReadAttemptsExhausted = errors.New("read attempts exhausted")

// DecodeError reports a chunk that is not valid text (Type 1 corruption).
type DecodeError struct {
	Offset int
	Len    int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode chunk: invalid utf-8 at byte %d of %d", e.Offset, e.Len)
}

// FrameError reports a chunk from which no frame could be extracted (Type 2 corruption).
type FrameError struct {
	Reason string
	// Field is the channel whose field failed, empty for structural failures.
	Field string
	// Marker is the rune index of the frame marker, -1 when absent.
	Marker int
	Err    error
}

func (e *FrameError) Error() string {
	msg := "extract frame: " + e.Reason
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Marker >= 0 {
		msg += fmt.Sprintf(" at %d", e.Marker)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}
