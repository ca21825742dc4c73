package telemetry

import (
	"context"
	"fmt"
	"io"
	"unicode/utf8"
)

// BytesPerCycle is the chunk size multiplier: each requested chunk is 8*cycles bytes.
const BytesPerCycle = 8

// StreamReader pulls fixed-size chunks from the transport and decodes them as text.
type StreamReader struct {
	src    io.Reader
	cycles int
	buf    []byte
}

// NewStreamReader builds a reader producing chunks of BytesPerCycle*cycles bytes.
func NewStreamReader(src io.Reader, cycles int) (*StreamReader, error) {
	if src == nil {
		return nil, fmt.Errorf("nil source")
	}
	if cycles <= 0 {
		return nil, fmt.Errorf("cycles must be > 0")
	}
	return &StreamReader{src: src, cycles: cycles, buf: make([]byte, BytesPerCycle*cycles)}, nil
}

// ChunkSize returns the number of bytes consumed per read.
func (r *StreamReader) ChunkSize() int {
	return len(r.buf)
}

// Read consumes one chunk and returns it as text. A chunk that is not valid UTF-8 is
// discarded and reported as *DecodeError; transport failures are returned as-is.
// Nothing is carried over between calls.
func (r *StreamReader) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := io.ReadFull(r.src, r.buf); err != nil {
		return "", fmt.Errorf("read chunk: %w", err)
	}
	if !utf8.Valid(r.buf) {
		return "", &DecodeError{Offset: firstInvalid(r.buf), Len: len(r.buf)}
	}
	return string(r.buf), nil
}

func firstInvalid(b []byte) int {
	for i := 0; i < len(b); {
		ch, size := utf8.DecodeRune(b[i:])
		if ch == utf8.RuneError && size <= 1 {
			return i
		}
		i += size
	}
	return -1
}
