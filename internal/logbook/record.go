package logbook

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"
)

const (
	// DefaultDatePattern names the daily files.
	DefaultDatePattern = "%Y-%m-%d"
	// DefaultTimestampPattern prefixes every line.
	DefaultTimestampPattern = "%Y/%m/%d-%H:%M:%S"

	fieldSeparator = ","
)

// Clock formats wall-clock times into date keys and line timestamps.
type Clock struct {
	date  *strftime.Strftime
	stamp *strftime.Strftime
}

// NewClock compiles the two strftime patterns.
func NewClock(datePattern, timestampPattern string) (*Clock, error) {
	date, err := strftime.New(datePattern)
	if err != nil {
		return nil, fmt.Errorf("date pattern %q: %w", datePattern, err)
	}
	stamp, err := strftime.New(timestampPattern)
	if err != nil {
		return nil, fmt.Errorf("timestamp pattern %q: %w", timestampPattern, err)
	}
	if strings.Contains(stamp.FormatString(time.Now()), fieldSeparator) {
		return nil, fmt.Errorf("timestamp pattern %q must not produce %q", timestampPattern, fieldSeparator)
	}
	return &Clock{date: date, stamp: stamp}, nil
}

// DateKey returns the rotation key for t.
func (c *Clock) DateKey(t time.Time) string {
	return c.date.FormatString(t)
}

// Timestamp returns the line prefix for t.
func (c *Clock) Timestamp(t time.Time) string {
	return c.stamp.FormatString(t)
}

// Record is one line destined for one channel file.
type Record struct {
	Channel   Channel
	Timestamp string
	Fields    []string
}

// FormatValue renders a float the shortest way that round-trips.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ValueRecord builds "<ts>,<v>".
func ValueRecord(ch Channel, ts string, v float64) Record {
	return Record{Channel: ch, Timestamp: ts, Fields: []string{FormatValue(v)}}
}

var fieldSanitizer = strings.NewReplacer(",", ";", "\r", " ", "\n", " ")

// SanitizeField replaces the separator with ';' and line breaks with spaces. It reports
// whether anything was replaced.
func SanitizeField(raw string) (string, bool) {
	if !strings.ContainsAny(raw, ",\r\n") {
		return raw, false
	}
	return fieldSanitizer.Replace(raw), true
}

// RawRecord builds "<ts>,<raw>" with raw written verbatim. Use SanitizeField first for
// text that comes from a device.
func RawRecord(ch Channel, ts, raw string) Record {
	return Record{Channel: ch, Timestamp: ts, Fields: []string{raw}}
}

// TemperatureRecord builds "<ts>,ICR temp,<icr>,ICH temp,<ich>".
func TemperatureRecord(ts string, icr, ich float64) Record {
	return Record{
		Channel:   Temperature,
		Timestamp: ts,
		Fields:    []string{"ICR temp", FormatValue(icr), "ICH temp", FormatValue(ich)},
	}
}

// Line returns the newline-terminated text of r.
func (r Record) Line() string {
	var b strings.Builder
	b.WriteString(r.Timestamp)
	for _, f := range r.Fields {
		b.WriteString(fieldSeparator)
		b.WriteString(f)
	}
	b.WriteByte('\n')
	return b.String()
}

func (r Record) validate() error {
	if r.Timestamp == "" {
		return fmt.Errorf("%s record: empty timestamp", r.Channel)
	}
	if len(r.Fields) == 0 {
		return fmt.Errorf("%s record: no fields", r.Channel)
	}
	for _, f := range r.Fields {
		if strings.ContainsAny(f, ",\r\n") {
			return fmt.Errorf("%s record: field %q contains a separator", r.Channel, f)
		}
	}
	return nil
}

// ParseLine splits a line written by Record.Line. The channel is not stored in the
// line and is left empty.
func ParseLine(line string) (Record, error) {
	line = strings.TrimSuffix(line, "\n")
	parts := strings.Split(line, fieldSeparator)
	if len(parts) < 2 || parts[0] == "" {
		return Record{}, fmt.Errorf("malformed log line %q", line)
	}
	return Record{Timestamp: parts[0], Fields: parts[1:]}, nil
}

// ParseValueLine parses a "<ts>,<v>" line.
func ParseValueLine(line string) (string, float64, error) {
	rec, err := ParseLine(line)
	if err != nil {
		return "", 0, err
	}
	if len(rec.Fields) != 1 {
		return "", 0, fmt.Errorf("value line %q: want 1 field, got %d", line, len(rec.Fields))
	}
	v, err := strconv.ParseFloat(rec.Fields[0], 64)
	if err != nil {
		return "", 0, fmt.Errorf("value line %q: %w", line, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", 0, fmt.Errorf("value line %q: non-finite value", line)
	}
	return rec.Timestamp, v, nil
}

// ParseTemperatureLine parses a "<ts>,ICR temp,<icr>,ICH temp,<ich>" line.
func ParseTemperatureLine(line string) (string, float64, float64, error) {
	rec, err := ParseLine(line)
	if err != nil {
		return "", 0, 0, err
	}
	if len(rec.Fields) != 4 || rec.Fields[0] != "ICR temp" || rec.Fields[2] != "ICH temp" {
		return "", 0, 0, fmt.Errorf("temperature line %q: unexpected layout", line)
	}
	icr, err := strconv.ParseFloat(rec.Fields[1], 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("temperature line %q: icr: %w", line, err)
	}
	ich, err := strconv.ParseFloat(rec.Fields[3], 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("temperature line %q: ich: %w", line, err)
	}
	return rec.Timestamp, icr, ich, nil
}
