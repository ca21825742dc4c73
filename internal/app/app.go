// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/skobkin/labtelemetry/internal/config"
	"github.com/skobkin/labtelemetry/internal/convert"
	"github.com/skobkin/labtelemetry/internal/gauge"
	"github.com/skobkin/labtelemetry/internal/httpserver"
	"github.com/skobkin/labtelemetry/internal/logbook"
	"github.com/skobkin/labtelemetry/internal/publish"
	"github.com/skobkin/labtelemetry/internal/sampler"
	"github.com/skobkin/labtelemetry/internal/serialport"
	"github.com/skobkin/labtelemetry/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// Run bootstraps the application lifecycle. It returns sampler.ErrCircuitOpen (wrapped)
// when the acquisition loop gave up.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	converter, err := convert.New(cfg.Calibration)
	if err != nil {
		return fmt.Errorf("init converter: %w", err)
	}

	book, err := logbook.NewBook(cfg.Logs, baseLogger.With("component", "logbook"))
	if err != nil {
		return fmt.Errorf("init log book: %w", err)
	}

	gaugeReader, err := gauge.New(
		gauge.SerialDialer(cfg.Gauge.Serial, baseLogger.With("component", "gauge_serial")),
		cfg.Gauge.Address,
		cfg.Gauge.Timeout,
		baseLogger.With("component", "gauge"),
	)
	if err != nil {
		_ = book.Close()
		return fmt.Errorf("init gauge: %w", err)
	}

	port, err := serialport.Open(cfg.Stream.Serial, baseLogger.With("component", "stream_serial"))
	if err != nil {
		_ = book.Close()
		return fmt.Errorf("open readout stream: %w", err)
	}
	defer func() {
		if err := port.Close(); err != nil {
			appLogger.Warn("stream port close", "err", err)
		}
	}()
	appLogger.Info("readout stream opened", "device", port.Device(), "baud", cfg.Stream.Serial.Baud)

	collector, counters, err := NewCollector(port, cfg.Stream, baseLogger)
	if err != nil {
		_ = book.Close()
		return err
	}

	deps := sampler.Deps{
		Collector: collector,
		Converter: converter,
		Gauge:     gaugeReader,
		Book:      book,
		Counters:  counters,
	}

	if cfg.MQTT.Enable {
		publisher, err := publish.Dial(cfg.MQTT, baseLogger)
		if err != nil {
			_ = book.Close()
			return fmt.Errorf("init mqtt: %w", err)
		}
		defer func() {
			if err := publisher.Close(); err != nil {
				appLogger.Warn("mqtt close", "err", err)
			}
		}()
		deps.Publisher = publisher
	}

	samplerManager, err := sampler.NewManager(SamplerConfig(cfg), deps, baseLogger)
	if err != nil {
		_ = book.Close()
		return fmt.Errorf("init sampler manager: %w", err)
	}
	defer func() {
		if err := samplerManager.Close(); err != nil {
			appLogger.Warn("sampler manager close", "err", err)
		}
	}()

	samplerCtx, samplerCancel := context.WithCancel(ctx)
	defer samplerCancel()

	samplerErrCh := make(chan error, 1)
	go func() {
		samplerErrCh <- samplerManager.Run(samplerCtx)
	}()

	if !cfg.HTTP.Enable {
		err := <-samplerErrCh
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		appLogger.Info("shutdown complete")
		return nil
	}

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), samplerManager)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.HTTP.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	shutdownHTTP := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("http shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	for {
		select {
		case err := <-errCh:
			samplerCancel()
			if err != nil {
				<-samplerErrCh
				return err
			}
			if samplerErr := <-samplerErrCh; samplerErr != nil && !errors.Is(samplerErr, context.Canceled) {
				return samplerErr
			}
			return nil
		case err := <-samplerErrCh:
			// The loop only returns early when it gave up; the HTTP surface goes with it.
			appLogger.Error("sampler stopped", "err", err)
			return errors.Join(err, shutdownHTTP())
		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())

			if err := shutdownHTTP(); err != nil {
				samplerCancel()
				<-samplerErrCh
				return err
			}

			samplerCancel()
			if samplerErr := <-samplerErrCh; samplerErr != nil && !errors.Is(samplerErr, context.Canceled) {
				return samplerErr
			}

			appLogger.Info("shutdown complete")
			return nil
		}
	}
}

// SamplerConfig maps the loop settings out of the process configuration.
func SamplerConfig(cfg config.Config) sampler.Config {
	return sampler.Config{
		Interval:  cfg.Sampling.Interval,
		Repeat:    cfg.Sampling.Repeat,
		Tolerance: cfg.Sampling.Tolerance,
		Retry: sampler.RetryPolicy{
			BackoffInitial:         cfg.Retry.BackoffInitial,
			BackoffMax:             cfg.Retry.BackoffMax,
			MaxConsecutiveFailures: cfg.Retry.MaxConsecutiveFailures,
		},
	}
}

// NewCollector builds the frame pipeline on top of an open readout stream.
func NewCollector(stream io.Reader, cfg config.StreamConfig, baseLogger *slog.Logger) (*telemetry.Collector, *telemetry.Counters, error) {
	reader, err := telemetry.NewStreamReader(stream, cfg.ChunkCycles)
	if err != nil {
		return nil, nil, fmt.Errorf("init stream reader: %w", err)
	}
	extractor, err := telemetry.NewExtractor(reader, telemetry.DefaultSchema, cfg.MaxReadAttempts, baseLogger.With("component", "extractor"))
	if err != nil {
		return nil, nil, fmt.Errorf("init frame extractor: %w", err)
	}
	return telemetry.NewCollector(extractor), extractor.Counters(), nil
}
