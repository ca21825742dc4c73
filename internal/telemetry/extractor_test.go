package telemetry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCycles = 7

// chunk pads s to exactly one chunk of testCycles*8 bytes.
func chunk(t *testing.T, s string) []byte {
	t.Helper()
	size := BytesPerCycle * testCycles
	if len(s) > size {
		t.Fatalf("chunk content is %d bytes, max %d", len(s), size)
	}
	return []byte(s + strings.Repeat("0", size-len(s)))
}

// chunkTail left-pads s so that it ends exactly at the chunk boundary.
func chunkTail(t *testing.T, s string) []byte {
	t.Helper()
	size := BytesPerCycle * testCycles
	if len(s) > size {
		t.Fatalf("chunk content is %d bytes, max %d", len(s), size)
	}
	return []byte(strings.Repeat("0", size-len(s)) + s)
}

func newTestExtractor(t *testing.T, src io.Reader, maxAttempts int) *Extractor {
	t.Helper()
	reader, err := NewStreamReader(src, testCycles)
	require.NoError(t, err)
	ex, err := NewExtractor(reader, DefaultSchema, maxAttempts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return ex
}

func TestStreamReaderReadsFixedChunks(t *testing.T) {
	first := chunk(t, frame("1.23", "2.34", "0.95", "1.10"))
	second := chunk(t, "tail")
	reader, err := NewStreamReader(bytes.NewReader(append(first, second...)), testCycles)
	require.NoError(t, err)
	assert.Equal(t, 56, reader.ChunkSize())

	text, err := reader.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, string(first), text)

	text, err = reader.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, string(second), text)

	_, err = reader.Read(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamReaderRejectsInvalidUTF8(t *testing.T) {
	raw := chunk(t, "\n41.23\r\n5")
	raw[5] = 0xff
	reader, err := NewStreamReader(bytes.NewReader(raw), testCycles)
	require.NoError(t, err)

	_, err = reader.Read(context.Background())
	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, 5, decodeErr.Offset)
	assert.Equal(t, 56, decodeErr.Len)
}

func TestStreamReaderHonoursCancelledContext(t *testing.T) {
	reader, err := NewStreamReader(bytes.NewReader(nil), testCycles)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = reader.Read(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractorRetriesThroughCorruption(t *testing.T) {
	undecodable := chunk(t, "")
	undecodable[10] = 0xfe

	var stream bytes.Buffer
	stream.Write(undecodable)                                     // type 1
	stream.Write(chunk(t, "1.23\r\n52.34\r\n60.95\r\n71.10\r\n")) // type 2: no marker
	stream.Write(chunkTail(t, "\n41.23\r\n52.34\r\n6"))           // type 2: truncated
	stream.Write(chunk(t, "\r\n"+frame("1.23", "2.34", "0.95", "1.10")))

	ex := newTestExtractor(t, &stream, 0)
	q, err := ex.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Quadruple{Room: 1.23, Cryo: 2.34, ICR: 0.95, ICH: 1.10}, q)

	c := ex.Counters()
	assert.EqualValues(t, 4, c.Chunks.Load())
	assert.EqualValues(t, 1, c.DecodeErrors.Load())
	assert.EqualValues(t, 2, c.FrameErrors.Load())
	assert.EqualValues(t, 1, c.Frames.Load())
}

func TestExtractorGivesUpAfterMaxAttempts(t *testing.T) {
	var stream bytes.Buffer
	for i := 0; i < 3; i++ {
		stream.Write(chunk(t, "no frame here"))
	}
	stream.Write(chunk(t, frame("1.23", "2.34", "0.95", "1.10")))

	ex := newTestExtractor(t, &stream, 3)
	_, err := ex.Next(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReadAttemptsExhausted)

	var frameErr *FrameError
	assert.True(t, errors.As(err, &frameErr), "last frame error should be wrapped")
}

func TestExtractorSurfacesTransportErrors(t *testing.T) {
	ex := newTestExtractor(t, bytes.NewReader(chunk(t, "")[:10]), 0)
	_, err := ex.Next(context.Background())
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

type scriptedSource struct {
	quads []Quadruple
	errAt int
	calls int
}

func (s *scriptedSource) Next(context.Context) (Quadruple, error) {
	s.calls++
	if s.errAt > 0 && s.calls == s.errAt {
		return Quadruple{}, errors.New("link lost")
	}
	return s.quads[(s.calls-1)%len(s.quads)], nil
}

func TestCollectorReturnsExactlyRepeat(t *testing.T) {
	src := &scriptedSource{quads: []Quadruple{{Room: 1}, {Room: 2}, {Room: 3}}}
	set, err := NewCollector(src).Collect(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, set, 5)
	assert.Equal(t, []float64{1, 2, 3, 1, 2}, set.Column(ChannelRoom))
	assert.Equal(t, 5, src.calls)
}

func TestCollectorWrapsSourceErrors(t *testing.T) {
	src := &scriptedSource{quads: []Quadruple{{Room: 1}}, errAt: 3}
	_, err := NewCollector(src).Collect(context.Background(), 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sample 3 of 5")
}

func TestCollectorRejectsNonPositiveRepeat(t *testing.T) {
	_, err := NewCollector(&scriptedSource{}).Collect(context.Background(), 0)
	assert.Error(t, err)
}

func TestSampleSetColumns(t *testing.T) {
	set := SampleSet{{Room: 1, Cryo: 2, ICR: 3, ICH: 4}, {Room: 5, Cryo: 6, ICR: 7, ICH: 8}}
	assert.Equal(t, []float64{2, 6}, set.Column(ChannelCryo))
	assert.Equal(t, []float64{3, 7}, set.Column(ChannelICR))
	assert.Equal(t, []float64{4, 8}, set.Column(ChannelICH))
	assert.Empty(t, set.Column("bogus"))
}
