package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/skobkin/labtelemetry/internal/config"
)

func TestSamplerConfigMapsSettings(t *testing.T) {
	cfg := config.Default()
	cfg.Sampling.Interval = 30 * time.Second
	cfg.Sampling.Repeat = 9
	cfg.Retry.MaxConsecutiveFailures = 4

	got := SamplerConfig(cfg)
	if got.Interval != 30*time.Second || got.Repeat != 9 || got.Tolerance != cfg.Sampling.Tolerance {
		t.Fatalf("unexpected sampling settings %+v", got)
	}
	if got.Retry.BackoffInitial != time.Second || got.Retry.BackoffMax != time.Minute || got.Retry.MaxConsecutiveFailures != 4 {
		t.Fatalf("unexpected retry settings %+v", got.Retry)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("default mapping must validate: %v", err)
	}
}

func TestRunFailsWithoutReadoutDevice(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Stream.Serial.Device = filepath.Join(dir, "missing-tty")
	cfg.Logs.Root = filepath.Join(dir, "logs")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	err := Run(context.Background(), logger, cfg)
	if err == nil {
		t.Fatalf("expected error for a missing readout device")
	}
	if !strings.Contains(err.Error(), "open readout stream") {
		t.Fatalf("unexpected error %v", err)
	}
}
