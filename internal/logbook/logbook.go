// Package logbook keeps the per-channel daily log files.
//
// Each channel owns a directory under a common root. Within it one file per day is
// named "<date>_<suffix>.log" and only ever appended to. A Set holds the four files of
// one day; a Book replaces its Set when the wall-clock date changes.
package logbook

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Channel identifies one log stream.
type Channel string

const (
	Chamber     Channel = "chamber"
	Dewar       Channel = "dewar"
	Foreline    Channel = "foreline"
	Temperature Channel = "temperature"
)

// Channels lists every channel in write order.
var Channels = []Channel{Chamber, Dewar, Foreline, Temperature}

// ChannelConfig places one channel's files.
type ChannelConfig struct {
	Dir    string `yaml:"dir"`
	Suffix string `yaml:"suffix"`
}

// Layout describes where and how log files are written.
type Layout struct {
	Root             string        `yaml:"root"`
	DatePattern      string        `yaml:"date_pattern"`
	TimestampPattern string        `yaml:"timestamp_pattern"`
	Chamber          ChannelConfig `yaml:"chamber"`
	Dewar            ChannelConfig `yaml:"dewar"`
	Foreline         ChannelConfig `yaml:"foreline"`
	Temperature      ChannelConfig `yaml:"temperature"`
}

// DefaultLayout returns the directory names used on the lab share.
func DefaultLayout() Layout {
	return Layout{
		Root:             "logs",
		DatePattern:      DefaultDatePattern,
		TimestampPattern: DefaultTimestampPattern,
		Chamber:          ChannelConfig{Dir: "1041_Chamber_Pressure", Suffix: "chamber"},
		Dewar:            ChannelConfig{Dir: "1041_Dewar_Pressure", Suffix: "dewar"},
		Foreline:         ChannelConfig{Dir: "1041_Dewar_Foreline", Suffix: "foreline"},
		Temperature:      ChannelConfig{Dir: "1041_Chilled_Water", Suffix: "temperature"},
	}
}

// Channel returns the placement of ch.
func (l Layout) Channel(ch Channel) (ChannelConfig, bool) {
	switch ch {
	case Chamber:
		return l.Chamber, true
	case Dewar:
		return l.Dewar, true
	case Foreline:
		return l.Foreline, true
	case Temperature:
		return l.Temperature, true
	default:
		return ChannelConfig{}, false
	}
}

// Path returns the file for ch on dateKey.
func (l Layout) Path(ch Channel, dateKey string) string {
	cc, _ := l.Channel(ch)
	return filepath.Join(l.Root, cc.Dir, dateKey+"_"+cc.Suffix+".log")
}

// Validate checks the layout before any file is touched.
func (l Layout) Validate() error {
	if strings.TrimSpace(l.Root) == "" {
		return fmt.Errorf("root must not be empty")
	}
	if _, err := NewClock(l.DatePattern, l.TimestampPattern); err != nil {
		return err
	}
	seen := make(map[string]Channel, len(Channels))
	for _, ch := range Channels {
		cc, _ := l.Channel(ch)
		if cc.Dir == "" || cc.Suffix == "" {
			return fmt.Errorf("%s: dir and suffix must not be empty", ch)
		}
		if strings.ContainsRune(cc.Suffix, filepath.Separator) {
			return fmt.Errorf("%s: suffix %q must not contain a path separator", ch, cc.Suffix)
		}
		key := filepath.Join(cc.Dir, cc.Suffix)
		if other, dup := seen[key]; dup {
			return fmt.Errorf("%s and %s share the same files", other, ch)
		}
		seen[key] = ch
	}
	return nil
}

type channelFile struct {
	path string
	file *os.File
	dst  io.Writer
	buf  *bufio.Writer
}

// discard drops pending lines and clears the writer's sticky error.
func (cf *channelFile) discard() {
	cf.buf.Reset(cf.dst)
}

// Set is the group of open files for one date key. It is not safe for concurrent use.
// After a failed Append or Flush the set is marked failed and Book replaces it with a
// freshly opened one on the next Rotate.
type Set struct {
	date   string
	files  map[Channel]*channelFile
	closed bool
	failed bool
}

// Open creates missing directories and opens every channel file for appending.
// On failure any file already opened is closed again.
func Open(layout Layout, dateKey string) (*Set, error) {
	if dateKey == "" {
		return nil, fmt.Errorf("empty date key")
	}
	s := &Set{date: dateKey, files: make(map[Channel]*channelFile, len(Channels))}
	for _, ch := range Channels {
		path := layout.Path(ch, dateKey)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Join(fmt.Errorf("create %s dir: %w", ch, err), s.Close())
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("open %s log: %w", ch, err), s.Close())
		}
		s.files[ch] = &channelFile{path: path, file: f, dst: f, buf: bufio.NewWriter(f)}
	}
	return s, nil
}

// Date returns the date key the set was opened for.
func (s *Set) Date() string {
	return s.date
}

// Path returns the file backing ch.
func (s *Set) Path(ch Channel) string {
	if cf, ok := s.files[ch]; ok {
		return cf.path
	}
	return ""
}

// Failed reports whether a write error left the set unusable.
func (s *Set) Failed() bool {
	return s.failed
}

// Append validates and formats every record and then buffers them. Nothing is buffered
// when any record is invalid or a buffer write fails.
func (s *Set) Append(records ...Record) error {
	if s.closed {
		return fmt.Errorf("append to closed %s logs", s.date)
	}
	for _, r := range records {
		if _, ok := s.files[r.Channel]; !ok {
			return fmt.Errorf("unknown channel %q", r.Channel)
		}
		if err := r.validate(); err != nil {
			return err
		}
	}
	lines := make([]string, len(records))
	for i, r := range records {
		lines[i] = r.Line()
	}
	for i, r := range records {
		if _, err := s.files[r.Channel].buf.WriteString(lines[i]); err != nil {
			s.abort()
			return fmt.Errorf("write %s log: %w", r.Channel, err)
		}
	}
	return nil
}

// Flush pushes buffered lines of every channel to the operating system, in channel
// order. It stops at the first failure: the lines still pending in that channel and the
// ones after it are dropped, so a retried cycle writes them once.
func (s *Set) Flush() error {
	if s.closed {
		return fmt.Errorf("flush closed %s logs", s.date)
	}
	for _, ch := range Channels {
		if err := s.files[ch].buf.Flush(); err != nil {
			s.abort()
			return fmt.Errorf("flush %s log: %w", ch, err)
		}
	}
	return nil
}

// abort drops every pending line and marks the set failed.
func (s *Set) abort() {
	s.failed = true
	for _, cf := range s.files {
		cf.discard()
	}
}

// Close flushes and closes every file. Calling Close more than once is a no-op.
func (s *Set) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for _, ch := range Channels {
		cf, ok := s.files[ch]
		if !ok {
			continue
		}
		if err := cf.buf.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush %s log: %w", ch, err))
		}
		if err := cf.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s log: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}

// Book owns the current Set and replaces it when the date key changes.
type Book struct {
	layout Layout
	clock  *Clock
	logger *slog.Logger

	current *Set
}

// NewBook validates layout. No file is opened until the first Rotate.
func NewBook(layout Layout, logger *slog.Logger) (*Book, error) {
	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("log layout: %w", err)
	}
	clock, err := NewClock(layout.DatePattern, layout.TimestampPattern)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Book{layout: layout, clock: clock, logger: logger}, nil
}

// Clock returns the formatter for date keys and timestamps.
func (b *Book) Clock() *Clock {
	return b.clock
}

// Current returns the open set, or nil before the first Rotate.
func (b *Book) Current() *Set {
	return b.current
}

// Rotate makes sure an open, healthy set matches the date key of now. It reports
// whether the date rolled over from a previously open set; the first open and the
// reopen of a failed set do not count. A failure to close the old set is logged and
// does not block the new one; a failure to open leaves the book with no open set.
func (b *Book) Rotate(now time.Time) (bool, error) {
	key := b.clock.DateKey(now)
	if b.current != nil && b.current.Date() == key && !b.current.Failed() {
		return false, nil
	}

	previous := ""
	reopen := false
	if b.current != nil {
		previous = b.current.Date()
		reopen = previous == key
		if err := b.current.Close(); err != nil {
			b.logger.Warn("closing logs failed", "date", previous, "err", err)
		}
		b.current = nil
	}

	set, err := Open(b.layout, key)
	if err != nil {
		return false, fmt.Errorf("open logs for %s: %w", key, err)
	}
	b.current = set
	if reopen {
		b.logger.Info("log files reopened after write failure", "date", key)
		return false, nil
	}
	b.logger.Info("log files opened", "date", key, "previous", previous)
	return previous != "", nil
}

// Close closes the open set, if any.
func (b *Book) Close() error {
	if b.current == nil {
		return nil
	}
	err := b.current.Close()
	b.current = nil
	return err
}
