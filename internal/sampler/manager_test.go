package sampler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/skobkin/labtelemetry/internal/convert"
	"github.com/skobkin/labtelemetry/internal/correct"
	"github.com/skobkin/labtelemetry/internal/gauge"
	"github.com/skobkin/labtelemetry/internal/logbook"
	"github.com/skobkin/labtelemetry/internal/telemetry"
)

var steady = telemetry.Quadruple{Room: 3.5, Cryo: 10.0 / 3, ICR: 1.65, ICH: 1.65}

func steadySet(n int) telemetry.SampleSet {
	set := make(telemetry.SampleSet, n)
	for i := range set {
		set[i] = steady
	}
	return set
}

type collectStep struct {
	set telemetry.SampleSet
	err error
}

type fakeCollector struct {
	script []collectStep
	fail   error
	calls  int
}

func (f *fakeCollector) Collect(_ context.Context, repeat int) (telemetry.SampleSet, error) {
	f.calls++
	if len(f.script) > 0 {
		step := f.script[0]
		f.script = f.script[1:]
		return step.set, step.err
	}
	if f.fail != nil {
		return nil, f.fail
	}
	return steadySet(repeat), nil
}

type fakeGauge struct {
	errs  []error
	reply string
	calls int
}

func (g *fakeGauge) Read(context.Context) (string, error) {
	g.calls++
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		if err != nil {
			return "", err
		}
	}
	if g.reply != "" {
		return g.reply, nil
	}
	return "7.60E+02", nil
}

type fakePublisher struct {
	err  error
	seen []Snapshot
}

func (p *fakePublisher) Publish(_ context.Context, snap Snapshot) error {
	p.seen = append(p.seen, snap)
	return p.err
}

// fakeClock advances on every sleep and cancels the run after stopAfter sleeps.
type fakeClock struct {
	now       time.Time
	sleeps    []time.Duration
	stopAfter int
	cancel    context.CancelFunc
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	if c.stopAfter > 0 && len(c.sleeps) >= c.stopAfter {
		c.cancel()
	}
	return ctx.Err()
}

type harness struct {
	layout    logbook.Layout
	book      *logbook.Book
	clock     *fakeClock
	collector *fakeCollector
	gauge     *fakeGauge
	ctx       context.Context
}

func newHarness(t *testing.T, start time.Time, stopAfter int) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	layout := logbook.DefaultLayout()
	layout.Root = t.TempDir()
	book, err := logbook.NewBook(layout, logger)
	if err != nil {
		t.Fatalf("NewBook returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return &harness{
		layout:    layout,
		book:      book,
		clock:     &fakeClock{now: start, stopAfter: stopAfter, cancel: cancel},
		collector: &fakeCollector{},
		gauge:     &fakeGauge{},
		ctx:       ctx,
	}
}

func (h *harness) manager(t *testing.T, cfg Config, publisher Publisher) *Manager {
	t.Helper()
	converter, err := convert.New(convert.DefaultCalibration())
	if err != nil {
		t.Fatalf("convert.New returned error: %v", err)
	}
	m, err := NewManager(cfg, Deps{
		Collector: h.collector,
		Converter: converter,
		Gauge:     h.gauge,
		Book:      h.book,
		Publisher: publisher,
		Now:       h.clock.Now,
		Sleep:     h.clock.Sleep,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	return m
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func timestamps(t *testing.T, lines []string) []string {
	t.Helper()
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		rec, err := logbook.ParseLine(line)
		if err != nil {
			t.Fatalf("ParseLine(%q): %v", line, err)
		}
		out = append(out, rec.Timestamp)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestManagerWritesEveryChannelInOrder(t *testing.T) {
	start := time.Date(2024, time.March, 7, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, start, 3)
	m := h.manager(t, DefaultConfig(), nil)

	if err := m.Run(h.ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	want := []string{"2024/03/07-10:00:00", "2024/03/07-10:01:00", "2024/03/07-10:02:00"}
	for _, ch := range logbook.Channels {
		lines := readLines(t, h.layout.Path(ch, "2024-03-07"))
		if got := timestamps(t, lines); !equalStrings(got, want) {
			t.Fatalf("%s timestamps = %v, want %v", ch, got, want)
		}
	}

	lines := readLines(t, h.layout.Path(logbook.Chamber, "2024-03-07"))
	_, room, err := logbook.ParseValueLine(lines[0])
	if err != nil {
		t.Fatalf("ParseValueLine: %v", err)
	}
	if math.Abs(room-math.Sqrt(10)) > 1e-9 {
		t.Fatalf("chamber pressure = %v, want sqrt(10)", room)
	}

	foreline := readLines(t, h.layout.Path(logbook.Foreline, "2024-03-07"))
	if foreline[0] != "2024/03/07-10:00:00,7.60E+02" {
		t.Fatalf("foreline line = %q", foreline[0])
	}

	temperature := readLines(t, h.layout.Path(logbook.Temperature, "2024-03-07"))
	_, icr, ich, err := logbook.ParseTemperatureLine(temperature[0])
	if err != nil {
		t.Fatalf("ParseTemperatureLine: %v", err)
	}
	if math.Abs(icr-25) > 0.01 || math.Abs(ich-25) > 0.01 {
		t.Fatalf("temperatures = %v, %v, want ~25", icr, ich)
	}

	if h.book.Current() != nil {
		t.Fatalf("log files must be closed after Run returns")
	}
	if stats := m.Stats(); stats.Cycles != 3 || stats.Rotations != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestManagerRotatesOnceAtMidnight(t *testing.T) {
	start := time.Date(2024, time.March, 7, 23, 58, 0, 0, time.UTC)
	h := newHarness(t, start, 4)
	m := h.manager(t, DefaultConfig(), nil)

	if err := m.Run(h.ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	day1 := timestamps(t, readLines(t, h.layout.Path(logbook.Dewar, "2024-03-07")))
	day2 := timestamps(t, readLines(t, h.layout.Path(logbook.Dewar, "2024-03-08")))

	if want := []string{"2024/03/07-23:58:00", "2024/03/07-23:59:00"}; !equalStrings(day1, want) {
		t.Fatalf("day 1 = %v, want %v", day1, want)
	}
	if want := []string{"2024/03/08-00:00:00", "2024/03/08-00:01:00"}; !equalStrings(day2, want) {
		t.Fatalf("day 2 = %v, want %v", day2, want)
	}
	if got := m.Stats().Rotations; got != 1 {
		t.Fatalf("rotations = %d, want exactly one rollover", got)
	}
}

func TestManagerRetriesWithBackoff(t *testing.T) {
	start := time.Date(2024, time.March, 7, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, start, 4)
	h.collector.script = []collectStep{
		{err: fmt.Errorf("sample 1 of 5: %w", io.ErrUnexpectedEOF)},
		{set: telemetry.SampleSet{
			{Room: 0.5, Cryo: 1, ICR: 1, ICH: 1},
			{Room: 0.5, Cryo: 1, ICR: 1, ICH: 1},
			{Room: 1.5, Cryo: 1, ICR: 1, ICH: 1},
			{Room: 1.5, Cryo: 1, ICR: 1, ICH: 1},
		}},
	}
	h.gauge.errs = []error{&gauge.GaugeError{Address: "01", Op: "read", Err: io.ErrUnexpectedEOF}}
	m := h.manager(t, DefaultConfig(), nil)

	if err := m.Run(h.ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, time.Minute}
	if len(h.clock.sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", h.clock.sleeps, want)
	}
	for i := range want {
		if h.clock.sleeps[i] != want[i] {
			t.Fatalf("sleeps = %v, want %v", h.clock.sleeps, want)
		}
	}

	stats := m.Stats()
	if stats.Failures[ClassTransport] != 1 || stats.Failures[ClassOutlier] != 1 || stats.Failures[ClassGauge] != 1 {
		t.Fatalf("unexpected failure counters: %+v", stats.Failures)
	}
	if stats.Cycles != 1 || stats.ConsecutiveFailures != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	// Only the successful attempt is logged, stamped with its own start time.
	lines := readLines(t, h.layout.Path(logbook.Chamber, "2024-03-07"))
	if got := timestamps(t, lines); !equalStrings(got, []string{"2024/03/07-10:00:07"}) {
		t.Fatalf("chamber timestamps = %v", got)
	}
}

func TestManagerBackoffIsCapped(t *testing.T) {
	start := time.Date(2024, time.March, 7, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, start, 5)
	h.collector.fail = io.ErrUnexpectedEOF

	cfg := DefaultConfig()
	cfg.Retry.BackoffInitial = 10 * time.Second
	cfg.Retry.BackoffMax = 25 * time.Second
	m := h.manager(t, cfg, nil)

	if err := m.Run(h.ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	want := []time.Duration{10 * time.Second, 20 * time.Second, 25 * time.Second, 25 * time.Second, 25 * time.Second}
	for i := range want {
		if h.clock.sleeps[i] != want[i] {
			t.Fatalf("sleeps = %v, want %v", h.clock.sleeps, want)
		}
	}
	if !m.Degraded() || m.Ready() {
		t.Fatalf("manager should be degraded and not ready")
	}
}

func TestManagerCircuitOpens(t *testing.T) {
	start := time.Date(2024, time.March, 7, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, start, 0)
	h.collector.fail = fmt.Errorf("sample 1 of 5: %w", telemetry.ErrReadAttemptsExhausted)

	cfg := DefaultConfig()
	cfg.Retry.MaxConsecutiveFailures = 3
	m := h.manager(t, cfg, nil)

	err := m.Run(h.ctx)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Run returned %v, want ErrCircuitOpen", err)
	}
	if !errors.Is(err, telemetry.ErrReadAttemptsExhausted) {
		t.Fatalf("Run error should carry the last cycle error, got %v", err)
	}
	if h.collector.calls != 3 {
		t.Fatalf("collector calls = %d, want 3", h.collector.calls)
	}
	if len(h.clock.sleeps) != 2 {
		t.Fatalf("sleeps = %v, want two backoffs", h.clock.sleeps)
	}
	if got := m.Stats().Failures[ClassExhausted]; got != 3 {
		t.Fatalf("exhausted failures = %d, want 3", got)
	}
	if h.book.Current() != nil {
		t.Fatalf("log files must be closed after the circuit opens")
	}
}

func TestManagerFilteredColumnStillLogs(t *testing.T) {
	start := time.Date(2024, time.March, 7, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, start, 1)
	set := steadySet(5)
	set[2].Cryo = 23.0
	h.collector.script = []collectStep{{set: set}}
	m := h.manager(t, DefaultConfig(), nil)

	if err := m.Run(h.ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	snap, ok := m.Latest()
	if !ok {
		t.Fatalf("expected a snapshot")
	}
	if !equalStrings(snap.Filtered, []string{telemetry.ChannelCryo}) {
		t.Fatalf("filtered = %v", snap.Filtered)
	}
	if math.Abs(snap.Voltages.Cryo-10.0/3) > 1e-12 {
		t.Fatalf("cryo voltage = %v", snap.Voltages.Cryo)
	}
	if got := m.Stats().OutliersFiltered; got != 1 {
		t.Fatalf("outliers filtered = %d, want 1", got)
	}
}

func TestManagerReplacesSeparatorsInGaugeReply(t *testing.T) {
	start := time.Date(2024, time.March, 7, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, start, 1)
	h.gauge.reply = "7.60E+02,OK"
	m := h.manager(t, DefaultConfig(), nil)

	if err := m.Run(h.ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	lines := readLines(t, h.layout.Path(logbook.Foreline, "2024-03-07"))
	if want := []string{"2024/03/07-10:00:00,7.60E+02;OK"}; !equalStrings(lines, want) {
		t.Fatalf("foreline lines = %q, want %q", lines, want)
	}
	stats := m.Stats()
	if stats.Cycles != 1 || stats.Failures[ClassLog] != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if snap, _ := m.Latest(); snap.Foreline != "7.60E+02,OK" {
		t.Fatalf("snapshot keeps the reply as received, got %q", snap.Foreline)
	}
}

func TestManagerPublishFailureDoesNotFailCycle(t *testing.T) {
	start := time.Date(2024, time.March, 7, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, start, 2)
	pub := &fakePublisher{err: errors.New("broker down")}
	m := h.manager(t, DefaultConfig(), pub)

	if err := m.Run(h.ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	stats := m.Stats()
	if stats.Cycles != 2 || stats.PublishErrors != 2 || stats.ConsecutiveFailures != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(pub.seen) != 2 || pub.seen[0].Date != "2024-03-07" {
		t.Fatalf("unexpected published snapshots: %+v", pub.seen)
	}
}

func TestManagerSubscribeAndReady(t *testing.T) {
	start := time.Date(2024, time.March, 7, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, start, 2)
	m := h.manager(t, DefaultConfig(), nil)

	if m.Ready() {
		t.Fatalf("manager should not be ready before the first cycle")
	}
	if _, ok := m.Latest(); ok {
		t.Fatalf("Latest should be empty before the first cycle")
	}

	ch, unsubscribe := m.Subscribe()
	if err := m.Run(h.ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	// Two snapshots were sent to a queue of one; only the newest survives.
	snap := awaitSnapshot(t, ch)
	if want := start.Add(time.Minute); !snap.Timestamp.Equal(want) {
		t.Fatalf("snapshot ts = %v, want %v", snap.Timestamp, want)
	}
	if !m.Ready() || m.Degraded() {
		t.Fatalf("manager should be ready and healthy")
	}

	late, unsubscribeLate := m.Subscribe()
	defer unsubscribeLate()
	if got := awaitSnapshot(t, late); !got.Timestamp.Equal(snap.Timestamp) {
		t.Fatalf("late subscriber should receive the latest snapshot")
	}

	unsubscribe()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed after unsubscribe")
	}
}

func TestNewManagerValidates(t *testing.T) {
	h := newHarness(t, time.Now(), 0)
	cfg := DefaultConfig()
	cfg.Retry.BackoffMax = cfg.Retry.BackoffInitial / 2
	if _, err := NewManager(cfg, Deps{Collector: h.collector, Gauge: h.gauge, Book: h.book}, nil); err == nil {
		t.Fatalf("expected error for backoff_max < backoff_initial")
	}
	cfg = DefaultConfig()
	cfg.Tolerance = math.NaN()
	if _, err := NewManager(cfg, Deps{Collector: h.collector, Gauge: h.gauge, Book: h.book}, nil); err == nil {
		t.Fatalf("expected error for NaN tolerance")
	}
	if _, err := NewManager(DefaultConfig(), Deps{Gauge: h.gauge, Book: h.book}, nil); err == nil {
		t.Fatalf("expected error for missing collector")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want FailureClass
	}{
		{&CycleError{Stage: StageCollect, Err: io.ErrUnexpectedEOF}, ClassTransport},
		{&CycleError{Stage: StageCollect, Err: fmt.Errorf("x: %w", telemetry.ErrReadAttemptsExhausted)}, ClassExhausted},
		{&CycleError{Stage: StageCorrect, Err: &correct.OutlierError{Err: correct.ErrNoSamplesWithinTolerance}}, ClassOutlier},
		{&CycleError{Stage: StageConvert, Err: &convert.ConversionError{Quantity: "pressure_room"}}, ClassConversion},
		{&CycleError{Stage: StageGauge, Err: &gauge.GaugeError{Op: "read"}}, ClassGauge},
		{&CycleError{Stage: StageGauge, Err: context.DeadlineExceeded}, ClassGauge},
		{&CycleError{Stage: StageLog, Err: os.ErrPermission}, ClassLog},
		{errors.New("plain"), ClassTransport},
	}
	for _, tc := range tests {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func awaitSnapshot(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatal("subscription channel closed unexpectedly")
		}
		return snap
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func TestReduceReportsFilteredColumns(t *testing.T) {
	set := steadySet(5)
	set[2].Cryo = 0.33

	q, results, err := Reduce(set, correct.DefaultTolerance)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected one result per channel, got %d", len(results))
	}
	if math.Abs(q.Cryo-steady.Cryo) > 1e-12 || math.Abs(q.Room-steady.Room) > 1e-12 {
		t.Fatalf("unexpected voltages %+v", q)
	}
	for _, res := range results {
		want := res.Channel == telemetry.ChannelCryo
		if res.Filtered != want {
			t.Fatalf("channel %s filtered=%v, want %v", res.Channel, res.Filtered, want)
		}
	}

	spread := steadySet(4)
	spread[0].ICH, spread[1].ICH, spread[2].ICH, spread[3].ICH = 0, 1, 3, 4
	_, _, err = Reduce(spread, correct.DefaultTolerance)
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) || cycleErr.Stage != StageCorrect || cycleErr.Channel != telemetry.ChannelICH {
		t.Fatalf("expected correct-stage error on ich, got %v", err)
	}
}
