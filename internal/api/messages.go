package api

import (
	"time"

	"github.com/skobkin/labtelemetry/internal/sampler"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string          `json:"type"`
	IntervalMS int64           `json:"interval_ms"`
	Channels   []string        `json:"channels"`
	Features   map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int64, channels []string, features map[string]bool) HelloMessage {
	return HelloMessage{
		Type:       "hello",
		IntervalMS: intervalMS,
		Channels:   channels,
		Features:   features,
	}
}

// ReadingMessage wraps a sampler snapshot for transport.
type ReadingMessage struct {
	Type string `json:"type"`
	sampler.Snapshot
}

// NewReadingMessage constructs a reading payload.
func NewReadingMessage(snap sampler.Snapshot) ReadingMessage {
	return ReadingMessage{
		Type:     "reading",
		Snapshot: snap,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}

// StatsResponse is the body of the stats endpoint.
type StatsResponse struct {
	Cycles              uint64            `json:"cycles"`
	Failures            map[string]uint64 `json:"failures"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	OutliersFiltered    uint64            `json:"outliers_filtered"`
	Rotations           uint64            `json:"rotations"`
	Chunks              uint64            `json:"chunks"`
	DecodeErrors        uint64            `json:"decode_errors"`
	FrameErrors         uint64            `json:"frame_errors"`
	Published           uint64            `json:"published"`
	PublishErrors       uint64            `json:"publish_errors"`
	LastSuccess         string            `json:"last_success,omitempty"`
}

// NewStatsResponse converts loop counters for transport.
func NewStatsResponse(s sampler.Stats) StatsResponse {
	resp := StatsResponse{
		Cycles:              s.Cycles,
		Failures:            make(map[string]uint64, len(s.Failures)),
		ConsecutiveFailures: s.ConsecutiveFailures,
		OutliersFiltered:    s.OutliersFiltered,
		Rotations:           s.Rotations,
		Chunks:              s.Chunks,
		DecodeErrors:        s.DecodeErrors,
		FrameErrors:         s.FrameErrors,
		Published:           s.Published,
		PublishErrors:       s.PublishErrors,
	}
	for class, n := range s.Failures {
		resp.Failures[string(class)] = n
	}
	if !s.LastSuccess.IsZero() {
		resp.LastSuccess = s.LastSuccess.UTC().Format(time.RFC3339)
	}
	return resp
}
