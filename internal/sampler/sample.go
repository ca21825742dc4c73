package sampler

import (
	"time"

	"github.com/skobkin/labtelemetry/internal/convert"
	"github.com/skobkin/labtelemetry/internal/telemetry"
)

// Snapshot is the outcome of one successful cycle.
type Snapshot struct {
	Timestamp time.Time           `json:"ts"`
	Date      string              `json:"date"`
	Voltages  telemetry.Quadruple `json:"voltages"`
	Reading   convert.Reading     `json:"reading"`
	Foreline  string              `json:"foreline"`
	// Filtered lists the channels whose samples needed outlier rejection.
	Filtered []string `json:"filtered,omitempty"`
}

// FailureClass groups cycle failures by their origin.
type FailureClass string

const (
	ClassTransport  FailureClass = "transport"
	ClassExhausted  FailureClass = "frames_exhausted"
	ClassOutlier    FailureClass = "outlier"
	ClassConversion FailureClass = "conversion"
	ClassGauge      FailureClass = "gauge"
	ClassLog        FailureClass = "log"
)

// FailureClasses lists every class in a stable order.
var FailureClasses = []FailureClass{ClassTransport, ClassExhausted, ClassOutlier, ClassConversion, ClassGauge, ClassLog}

// Stats is a point-in-time copy of the loop counters.
type Stats struct {
	Cycles              uint64
	Failures            map[FailureClass]uint64
	OutliersFiltered    uint64
	Rotations           uint64
	Published           uint64
	PublishErrors       uint64
	ConsecutiveFailures int
	LastSuccess         time.Time
	DecodeErrors        uint64
	FrameErrors         uint64
	Chunks              uint64
}
