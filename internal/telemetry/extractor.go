package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Counters tracks recovered corruption events. Safe for concurrent reads.
type Counters struct {
	Chunks       atomic.Uint64
	DecodeErrors atomic.Uint64
	FrameErrors  atomic.Uint64
	Frames       atomic.Uint64
}

// Extractor yields one Quadruple per call, re-reading the stream until a chunk decodes
// and contains a complete frame.
type Extractor struct {
	reader      *StreamReader
	schema      FrameSchema
	maxAttempts int
	logger      *slog.Logger
	counters    *Counters
}

// NewExtractor wires an Extractor. maxAttempts bounds the chunk reads spent on a single
// frame; zero means retry without limit.
func NewExtractor(reader *StreamReader, schema FrameSchema, maxAttempts int, logger *slog.Logger) (*Extractor, error) {
	if reader == nil {
		return nil, fmt.Errorf("nil stream reader")
	}
	if maxAttempts < 0 {
		return nil, fmt.Errorf("max attempts must be >= 0")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		reader:      reader,
		schema:      schema,
		maxAttempts: maxAttempts,
		logger:      logger,
		counters:    &Counters{},
	}, nil
}

// Counters exposes the extractor's event counters.
func (e *Extractor) Counters() *Counters {
	return e.counters
}

// Next reads chunks until one yields a full frame. Decode and frame failures are
// absorbed; transport errors and context cancellation are returned immediately.
func (e *Extractor) Next(ctx context.Context) (Quadruple, error) {
	var lastErr error
	for attempt := 1; e.maxAttempts == 0 || attempt <= e.maxAttempts; attempt++ {
		text, err := e.reader.Read(ctx)
		e.counters.Chunks.Add(1)

		var decodeErr *DecodeError
		switch {
		case errors.As(err, &decodeErr):
			e.counters.DecodeErrors.Add(1)
			e.logger.Debug("type 1 error: undecodable chunk", "attempt", attempt, "offset", decodeErr.Offset)
			lastErr = err
			continue
		case err != nil:
			return Quadruple{}, err
		}

		q, err := e.schema.Parse(text)
		if err != nil {
			e.counters.FrameErrors.Add(1)
			e.logger.Debug("type 2 error: frame rejected", "attempt", attempt, "err", err)
			lastErr = err
			continue
		}

		e.counters.Frames.Add(1)
		return q, nil
	}

	return Quadruple{}, fmt.Errorf("%w after %d chunks: %w", ErrReadAttemptsExhausted, e.maxAttempts, lastErr)
}

// SampleSet is the ordered set of quadruples gathered for one cycle.
type SampleSet []Quadruple

// Column returns the values of one channel across the set.
func (s SampleSet) Column(channel string) []float64 {
	out := make([]float64, 0, len(s))
	for _, q := range s {
		switch channel {
		case ChannelRoom:
			out = append(out, q.Room)
		case ChannelCryo:
			out = append(out, q.Cryo)
		case ChannelICR:
			out = append(out, q.ICR)
		case ChannelICH:
			out = append(out, q.ICH)
		}
	}
	return out
}

// Source produces quadruples; *Extractor is the production implementation.
type Source interface {
	Next(ctx context.Context) (Quadruple, error)
}

// Collector gathers a fixed number of quadruples per cycle.
type Collector struct {
	src Source
}

// NewCollector wraps a quadruple source.
func NewCollector(src Source) *Collector {
	return &Collector{src: src}
}

// Collect returns exactly repeat quadruples, each extracted independently.
func (c *Collector) Collect(ctx context.Context, repeat int) (SampleSet, error) {
	if repeat <= 0 {
		return nil, fmt.Errorf("repeat must be > 0")
	}
	set := make(SampleSet, 0, repeat)
	for i := 0; i < repeat; i++ {
		q, err := c.src.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("sample %d of %d: %w", i+1, repeat, err)
		}
		set = append(set, q)
	}
	return set, nil
}
