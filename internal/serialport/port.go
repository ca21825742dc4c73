// Package serialport wraps a termios serial device as an owned, closable byte stream.
package serialport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/term"
)

// Config describes how to open a serial device.
type Config struct {
	Device      string        `yaml:"device"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

var supportedBauds = map[int]struct{}{
	1200: {}, 2400: {}, 4800: {}, 9600: {}, 19200: {}, 38400: {}, 57600: {}, 115200: {},
}

// ErrClosed is returned by operations on a port that has already been closed.
var ErrClosed = errors.New("serial port closed")

// Port is an open serial device. It is not safe for concurrent use; a single owner
// reads and writes it.
type Port struct {
	cfg    Config
	term   *term.Term
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Validate reports whether the configuration can be used to open a device.
func (c Config) Validate() error {
	if c.Device == "" {
		return fmt.Errorf("device must not be empty")
	}
	if _, ok := supportedBauds[c.Baud]; !ok {
		return fmt.Errorf("unsupported baud rate %d", c.Baud)
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("read timeout must be >= 0")
	}
	return nil
}

// Open opens the device in raw mode. A failed first attempt is retried once, which
// recovers devices left half-open by a previous process.
func Open(cfg Config, logger *slog.Logger) (*Port, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("serial config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("device", cfg.Device)

	t, err := openTerm(cfg)
	if err != nil {
		logger.Warn("serial open failed, retrying once", "err", err)
		t, err = openTerm(cfg)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
		}
	}

	logger.Debug("serial port opened", "baud", cfg.Baud, "read_timeout", cfg.ReadTimeout)
	return &Port{cfg: cfg, term: t, logger: logger}, nil
}

func openTerm(cfg Config) (*term.Term, error) {
	opts := []func(*term.Term) error{term.RawMode, term.Speed(cfg.Baud)}
	if cfg.ReadTimeout > 0 {
		opts = append(opts, term.ReadTimeout(cfg.ReadTimeout))
	}
	return term.Open(cfg.Device, opts...)
}

// Read implements io.Reader.
func (p *Port) Read(buf []byte) (int, error) {
	if p.term == nil {
		return 0, ErrClosed
	}
	return p.term.Read(buf)
}

// Write implements io.Writer and fails on short writes.
func (p *Port) Write(data []byte) (int, error) {
	if p.term == nil {
		return 0, ErrClosed
	}
	n, err := p.term.Write(data)
	if err != nil {
		return n, err
	}
	if n != len(data) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Flush discards any received but unread input and untransmitted output.
func (p *Port) Flush() error {
	if p.term == nil {
		return ErrClosed
	}
	return p.term.Flush()
}

// Device returns the configured device path.
func (p *Port) Device() string {
	return p.cfg.Device
}

// Close releases the device. Safe for repeated use.
func (p *Port) Close() error {
	p.closeOnce.Do(func() {
		if p.term == nil {
			return
		}
		p.closeErr = p.term.Close()
		p.term = nil
		p.logger.Debug("serial port closed")
	})
	return p.closeErr
}

// ReadExactly fills buf from r, giving up once timeout has elapsed without the buffer
// being complete. Readers with a termios read timeout return (0, nil) or io.EOF when no
// byte arrived in time; both count as "nothing yet". The number of bytes read is always
// returned, so callers can report short replies.
func ReadExactly(r io.Reader, buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	read := 0
	for read < len(buf) {
		n, err := r.Read(buf[read:])
		read += n
		if err != nil && !errors.Is(err, io.EOF) {
			return read, err
		}
		if read >= len(buf) {
			break
		}
		if n == 0 && !time.Now().Before(deadline) {
			return read, fmt.Errorf("read %d of %d bytes: %w", read, len(buf), io.ErrUnexpectedEOF)
		}
	}
	return read, nil
}
