// Package gauge talks to the roughing-line pressure gauge over its own serial line.
//
// The protocol is a fixed-length request/response: the host writes "#<addr>RD \r" and
// the gauge answers with exactly 13 bytes, of which bytes [4:12) carry the pressure as
// printed by the instrument (for example "7.60E+02").
package gauge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/skobkin/labtelemetry/internal/serialport"
)

const (
	replyLen     = 13
	payloadStart = 4
	payloadEnd   = 12

	// DefaultAddress is the factory RS-485 address.
	DefaultAddress = "01"
)

// Conn is the subset of a serial port the gauge protocol needs.
type Conn interface {
	io.ReadWriteCloser
	Flush() error
}

// Dialer opens a fresh connection for each query.
type Dialer func() (Conn, error)

// SerialDialer opens cfg with the serialport package.
func SerialDialer(cfg serialport.Config, logger *slog.Logger) Dialer {
	return func() (Conn, error) {
		port, err := serialport.Open(cfg, logger)
		if err != nil {
			return nil, err
		}
		return port, nil
	}
}

// GaugeError reports a failed query.
type GaugeError struct {
	Address string
	Op      string
	Reply   []byte
	Err     error
}

func (e *GaugeError) Error() string {
	msg := fmt.Sprintf("gauge %s: %s", e.Address, e.Op)
	if len(e.Reply) > 0 {
		msg += fmt.Sprintf(" (reply %q)", e.Reply)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GaugeError) Unwrap() error {
	return e.Err
}

// Gauge queries a single instrument.
type Gauge struct {
	dial    Dialer
	address string
	timeout time.Duration
	logger  *slog.Logger
}

// New builds a Gauge. The connection is opened and closed around every query so a
// power-cycled or re-plugged instrument recovers on the next cycle.
func New(dial Dialer, address string, timeout time.Duration, logger *slog.Logger) (*Gauge, error) {
	if dial == nil {
		return nil, fmt.Errorf("nil dialer")
	}
	if len(address) != 2 {
		return nil, fmt.Errorf("address must be two characters, got %q", address)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gauge{dial: dial, address: address, timeout: timeout, logger: logger.With("address", address)}, nil
}

// Command returns the read command for address.
func Command(address string) []byte {
	return []byte("#" + address + "RD \r")
}

// Read sends a read command and returns the pressure field verbatim.
func (g *Gauge) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	conn, err := g.dial()
	if err != nil {
		return "", &GaugeError{Address: g.address, Op: "open", Err: err}
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			g.logger.Debug("gauge close failed", "err", cerr)
		}
	}()

	if err := conn.Flush(); err != nil {
		return "", &GaugeError{Address: g.address, Op: "flush", Err: err}
	}
	if _, err := conn.Write(Command(g.address)); err != nil {
		return "", &GaugeError{Address: g.address, Op: "write", Err: err}
	}

	reply := make([]byte, replyLen)
	n, err := serialport.ReadExactly(conn, reply, g.timeout)
	if err != nil {
		return "", &GaugeError{Address: g.address, Op: "read", Reply: reply[:n], Err: err}
	}

	return ParseReply(reply)
}

// ParseReply extracts the pressure field from a full reply.
func ParseReply(reply []byte) (string, error) {
	if len(reply) < replyLen {
		return "", &GaugeError{Op: "parse", Reply: reply, Err: fmt.Errorf("short reply: %d of %d bytes", len(reply), replyLen)}
	}
	return string(reply[payloadStart:payloadEnd]), nil
}
