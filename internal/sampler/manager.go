// Package sampler runs the acquisition loop: collect, correct, convert, log and
// publish one reading per interval, rolling the log files over at each new day.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skobkin/labtelemetry/internal/convert"
	"github.com/skobkin/labtelemetry/internal/correct"
	"github.com/skobkin/labtelemetry/internal/gauge"
	"github.com/skobkin/labtelemetry/internal/logbook"
	"github.com/skobkin/labtelemetry/internal/telemetry"
)

// ErrCircuitOpen is returned by Run when the consecutive failure limit is reached.
var ErrCircuitOpen = errors.New("too many consecutive cycle failures")

// Config tunes the loop.
type Config struct {
	Interval  time.Duration
	Repeat    int
	Tolerance float64
	Retry     RetryPolicy
}

// RetryPolicy governs what happens after a failed cycle.
type RetryPolicy struct {
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// MaxConsecutiveFailures stops the loop after that many failed attempts in a row.
	// Zero retries forever.
	MaxConsecutiveFailures int
}

// DefaultConfig matches the deployed collector.
func DefaultConfig() Config {
	return Config{
		Interval:  60 * time.Second,
		Repeat:    5,
		Tolerance: correct.DefaultTolerance,
		Retry: RetryPolicy{
			BackoffInitial: time.Second,
			BackoffMax:     time.Minute,
		},
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be > 0")
	}
	if c.Repeat <= 0 {
		return fmt.Errorf("repeat must be > 0")
	}
	if math.IsNaN(c.Tolerance) || c.Tolerance < 0 {
		return fmt.Errorf("tolerance must be >= 0")
	}
	if c.Retry.BackoffInitial <= 0 {
		return fmt.Errorf("retry backoff_initial must be > 0")
	}
	if c.Retry.BackoffMax < c.Retry.BackoffInitial {
		return fmt.Errorf("retry backoff_max must be >= backoff_initial")
	}
	if c.Retry.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("retry max_consecutive_failures must be >= 0")
	}
	return nil
}

// Collector gathers the repeated quadruples of one cycle.
type Collector interface {
	Collect(ctx context.Context, repeat int) (telemetry.SampleSet, error)
}

// Gauge reads the secondary pressure gauge.
type Gauge interface {
	Read(ctx context.Context) (string, error)
}

// Publisher forwards snapshots after they were logged.
type Publisher interface {
	Publish(ctx context.Context, snap Snapshot) error
}

// Deps are the collaborators of a Manager. Publisher and Counters are optional.
type Deps struct {
	Collector Collector
	Converter convert.Converter
	Gauge     Gauge
	Book      *logbook.Book
	Publisher Publisher
	Counters  *telemetry.Counters

	// Now and Sleep default to the wall clock.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Manager runs the loop, caches the latest snapshot and fan-outs updates to
// subscribers.
type Manager struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu          sync.RWMutex
	latest      *Snapshot
	subscribers map[*subscriber]struct{}

	cycles          atomic.Uint64
	failures        map[FailureClass]*atomic.Uint64
	outliers        atomic.Uint64
	rotations       atomic.Uint64
	published       atomic.Uint64
	publishErrors   atomic.Uint64
	consecutive     atomic.Int64
	lastSuccessNano atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// NewManager validates cfg and deps.
func NewManager(cfg Config, deps Deps, logger *slog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sampler config: %w", err)
	}
	if deps.Collector == nil {
		return nil, fmt.Errorf("nil collector")
	}
	if deps.Gauge == nil {
		return nil, fmt.Errorf("nil gauge")
	}
	if deps.Book == nil {
		return nil, fmt.Errorf("nil log book")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepContext
	}
	if logger == nil {
		logger = slog.Default()
	}

	failures := make(map[FailureClass]*atomic.Uint64, len(FailureClasses))
	for _, class := range FailureClasses {
		failures[class] = &atomic.Uint64{}
	}

	return &Manager{
		cfg:         cfg,
		deps:        deps,
		logger:      logger.With("component", "sampler_manager"),
		subscribers: make(map[*subscriber]struct{}),
		failures:    failures,
	}, nil
}

// Run loops until ctx is canceled or the failure limit is reached. The log files are
// closed on every return path.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("sampler started",
		"interval", m.cfg.Interval,
		"repeat", m.cfg.Repeat,
		"tolerance", m.cfg.Tolerance,
		"max_consecutive_failures", m.cfg.Retry.MaxConsecutiveFailures,
	)

	backoff := m.cfg.Retry.BackoffInitial
	for {
		if ctx.Err() != nil {
			m.logger.Info("sampler stopping", "reason", ctx.Err())
			return m.Close()
		}

		snap, err := m.iterate(ctx)
		if err == nil {
			m.consecutive.Store(0)
			backoff = m.cfg.Retry.BackoffInitial
			m.storeSnapshot(snap)
			m.publish(ctx, snap)

			// Cancellation is picked up at the top of the loop.
			_ = m.deps.Sleep(ctx, m.cfg.Interval)
			continue
		}

		if ctx.Err() != nil {
			continue
		}

		class := Classify(err)
		m.failures[class].Add(1)
		failed := m.consecutive.Add(1)
		m.logger.Warn("cycle failed",
			"class", class,
			"consecutive", failed,
			"retry_in", backoff,
			"err", err,
		)

		if limit := m.cfg.Retry.MaxConsecutiveFailures; limit > 0 && failed >= int64(limit) {
			m.logger.Error("giving up", "consecutive", failed)
			return errors.Join(fmt.Errorf("%w (%d): %w", ErrCircuitOpen, failed, err), m.Close())
		}

		_ = m.deps.Sleep(ctx, backoff)
		backoff = min(2*backoff, m.cfg.Retry.BackoffMax)
	}
}

// iterate rotates the log files when the date changed and runs one cycle.
func (m *Manager) iterate(ctx context.Context) (Snapshot, error) {
	now := m.deps.Now()
	rotated, err := m.deps.Book.Rotate(now)
	if err != nil {
		return Snapshot{}, &CycleError{Stage: StageLog, Err: err}
	}
	if rotated {
		m.rotations.Add(1)
	}
	return m.cycle(ctx, now)
}

func (m *Manager) cycle(ctx context.Context, now time.Time) (Snapshot, error) {
	set, err := m.deps.Collector.Collect(ctx, m.cfg.Repeat)
	if err != nil {
		return Snapshot{}, &CycleError{Stage: StageCollect, Err: err}
	}

	snap := Snapshot{Timestamp: now}
	var results []ColumnResult
	snap.Voltages, results, err = Reduce(set, m.cfg.Tolerance)
	if err != nil {
		return Snapshot{}, err
	}
	for _, res := range results {
		if !res.Filtered {
			continue
		}
		m.outliers.Add(1)
		snap.Filtered = append(snap.Filtered, res.Channel)
		m.logger.Info("type 3 error: outlier samples discarded",
			"channel", res.Channel,
			"kept", res.Kept,
			"of", len(set),
			"median", res.Median,
			"range", res.Range,
		)
	}

	snap.Reading, err = m.deps.Converter.Convert(snap.Voltages.Room, snap.Voltages.Cryo, snap.Voltages.ICR, snap.Voltages.ICH)
	if err != nil {
		return Snapshot{}, &CycleError{Stage: StageConvert, Err: err}
	}

	snap.Foreline, err = m.deps.Gauge.Read(ctx)
	if err != nil {
		return Snapshot{}, &CycleError{Stage: StageGauge, Err: err}
	}

	foreline, replaced := logbook.SanitizeField(snap.Foreline)
	if replaced {
		m.logger.Warn("gauge reply contains separators, replaced in log line",
			"reply", snap.Foreline,
			"logged", foreline,
		)
	}

	logs := m.deps.Book.Current()
	ts := m.deps.Book.Clock().Timestamp(now)
	records := []logbook.Record{
		logbook.ValueRecord(logbook.Chamber, ts, snap.Reading.PressureRoom),
		logbook.ValueRecord(logbook.Dewar, ts, snap.Reading.PressureCryo),
		logbook.RawRecord(logbook.Foreline, ts, foreline),
		logbook.TemperatureRecord(ts, snap.Reading.TemperatureICR, snap.Reading.TemperatureICH),
	}
	if err := logs.Append(records...); err != nil {
		return Snapshot{}, &CycleError{Stage: StageLog, Err: err}
	}
	if err := logs.Flush(); err != nil {
		return Snapshot{}, &CycleError{Stage: StageLog, Err: err}
	}
	snap.Date = logs.Date()

	m.cycles.Add(1)
	m.lastSuccessNano.Store(now.UnixNano())
	m.logger.Debug("cycle complete",
		"pressure_room", snap.Reading.PressureRoom,
		"pressure_cryo", snap.Reading.PressureCryo,
		"temperature_icr", snap.Reading.TemperatureICR,
		"temperature_ich", snap.Reading.TemperatureICH,
		"foreline", snap.Foreline,
	)
	return snap, nil
}

func (m *Manager) publish(ctx context.Context, snap Snapshot) {
	if m.deps.Publisher == nil {
		return
	}
	if err := m.deps.Publisher.Publish(ctx, snap); err != nil {
		m.publishErrors.Add(1)
		m.logger.Warn("publish failed", "err", err)
		return
	}
	m.published.Add(1)
}

// ColumnResult is the reduction of one channel column.
type ColumnResult struct {
	Channel string
	correct.Result
}

// Reduce applies outlier correction to every channel column of set. A column that
// cannot be reduced is reported as a *CycleError of StageCorrect.
func Reduce(set telemetry.SampleSet, tolerance float64) (telemetry.Quadruple, []ColumnResult, error) {
	var q telemetry.Quadruple
	columns := []struct {
		name string
		dst  *float64
	}{
		{telemetry.ChannelRoom, &q.Room},
		{telemetry.ChannelCryo, &q.Cryo},
		{telemetry.ChannelICR, &q.ICR},
		{telemetry.ChannelICH, &q.ICH},
	}
	results := make([]ColumnResult, 0, len(columns))
	for _, col := range columns {
		res, err := correct.Analyze(set.Column(col.name), tolerance)
		if err != nil {
			return telemetry.Quadruple{}, nil, &CycleError{Stage: StageCorrect, Channel: col.name, Err: err}
		}
		*col.dst = res.Value
		results = append(results, ColumnResult{Channel: col.name, Result: res})
	}
	return q, results, nil
}

// Latest returns the most recent snapshot.
func (m *Manager) Latest() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return Snapshot{}, false
	}
	return *m.latest, true
}

// Subscribe registers a listener for new snapshots. The latest one, if any, is
// delivered immediately.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := newSubscriber()
	m.subscribers[sub] = struct{}{}
	if m.latest != nil {
		sub.send(*m.latest)
	}

	unsubscribe := func() {
		m.removeSubscriber(sub)
	}
	return sub.channel(), unsubscribe
}

// Ready reports whether at least one cycle has completed.
func (m *Manager) Ready() bool {
	return m.cycles.Load() > 0
}

// Degraded reports whether the most recent attempt failed.
func (m *Manager) Degraded() bool {
	return m.consecutive.Load() > 0
}

// Stats copies the loop counters.
func (m *Manager) Stats() Stats {
	s := Stats{
		Cycles:              m.cycles.Load(),
		Failures:            make(map[FailureClass]uint64, len(m.failures)),
		OutliersFiltered:    m.outliers.Load(),
		Rotations:           m.rotations.Load(),
		Published:           m.published.Load(),
		PublishErrors:       m.publishErrors.Load(),
		ConsecutiveFailures: int(m.consecutive.Load()),
	}
	for class, n := range m.failures {
		s.Failures[class] = n.Load()
	}
	if nano := m.lastSuccessNano.Load(); nano != 0 {
		s.LastSuccess = time.Unix(0, nano)
	}
	if c := m.deps.Counters; c != nil {
		s.Chunks = c.Chunks.Load()
		s.DecodeErrors = c.DecodeErrors.Load()
		s.FrameErrors = c.FrameErrors.Load()
	}
	return s
}

func (m *Manager) storeSnapshot(snap Snapshot) {
	m.mu.Lock()
	m.latest = &snap

	targetSubs := make([]*subscriber, 0, len(m.subscribers))
	for sub := range m.subscribers {
		targetSubs = append(targetSubs, sub)
	}
	m.mu.Unlock()

	for _, sub := range targetSubs {
		sub.send(snap)
	}
}

func (m *Manager) removeSubscriber(sub *subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribers, sub)
	sub.close()
}

// Close releases the log files. Safe for repeated use.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		if err := m.deps.Book.Close(); err != nil {
			m.closeErr = fmt.Errorf("close logs: %w", err)
		}
	})
	return m.closeErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Stage names the step of a cycle that failed.
type Stage string

const (
	StageCollect Stage = "collect"
	StageCorrect Stage = "correct"
	StageConvert Stage = "convert"
	StageGauge   Stage = "gauge"
	StageLog     Stage = "log"
)

// CycleError wraps the failure of one cycle stage.
type CycleError struct {
	Stage   Stage
	Channel string
	Err     error
}

func (e *CycleError) Error() string {
	if e.Channel != "" {
		return fmt.Sprintf("%s %s: %v", e.Stage, e.Channel, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *CycleError) Unwrap() error {
	return e.Err
}

// Classify maps a cycle error to its failure class.
func Classify(err error) FailureClass {
	var (
		outlierErr *correct.OutlierError
		convErr    *convert.ConversionError
		gaugeErr   *gauge.GaugeError
		cycleErr   *CycleError
	)
	switch {
	case errors.Is(err, telemetry.ErrReadAttemptsExhausted):
		return ClassExhausted
	case errors.As(err, &outlierErr):
		return ClassOutlier
	case errors.As(err, &convErr):
		return ClassConversion
	case errors.As(err, &gaugeErr):
		return ClassGauge
	case errors.As(err, &cycleErr) && cycleErr.Stage == StageLog:
		return ClassLog
	case errors.As(err, &cycleErr) && cycleErr.Stage == StageGauge:
		return ClassGauge
	default:
		return ClassTransport
	}
}

type subscriber struct {
	ch     chan Snapshot
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch: make(chan Snapshot, 1),
	}
}

func (s *subscriber) channel() <-chan Snapshot {
	return s.ch
}

func (s *subscriber) send(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- snap:
		return
	default:
		// Drop oldest to make room for the new snapshot.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- snap:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
