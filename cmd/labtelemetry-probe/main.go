// Command labtelemetry-probe exercises the instruments without touching the log files:
// it measures the readout stream's precision and throughput, or polls the secondary
// gauge.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/skobkin/labtelemetry/internal/app"
	"github.com/skobkin/labtelemetry/internal/config"
	"github.com/skobkin/labtelemetry/internal/convert"
	"github.com/skobkin/labtelemetry/internal/gauge"
	"github.com/skobkin/labtelemetry/internal/logging"
	"github.com/skobkin/labtelemetry/internal/sampler"
	"github.com/skobkin/labtelemetry/internal/serialport"
)

type options struct {
	configPath string
	envFile    string
	frames     int
	gauge      bool
	interval   time.Duration
	count      int
	jsonOutput bool
}

func parseFlags() options {
	var opts options
	pflag.StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML configuration file")
	pflag.StringVar(&opts.envFile, "env-file", "", "Path to a dotenv file with APP_* variables")
	pflag.IntVar(&opts.frames, "frames", 0, "Collect this many corrected readings and summarise them")
	pflag.BoolVar(&opts.gauge, "gauge", false, "Poll the secondary gauge")
	pflag.DurationVar(&opts.interval, "interval", time.Second, "Gauge polling interval")
	pflag.IntVar(&opts.count, "count", 0, "Stop gauge polling after this many replies (0 polls until interrupted)")
	pflag.BoolVar(&opts.jsonOutput, "json", false, "Emit results as JSON")
	pflag.Parse()
	return opts
}

func main() {
	opts := parseFlags()

	if opts.frames <= 0 && !opts.gauge {
		fmt.Fprintln(os.Stderr, "nothing to do: pass --frames N and/or --gauge")
		pflag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(opts.configPath, opts.envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.frames > 0 {
		summary, err := measureStream(ctx, cfg, opts.frames, logger)
		if err != nil {
			logger.Error("stream measurement failed", "err", err)
			os.Exit(1)
		}
		if err := printSummary(os.Stdout, summary, opts.jsonOutput); err != nil {
			logger.Error("write summary", "err", err)
			os.Exit(1)
		}
	}

	if opts.gauge {
		if err := pollGauge(ctx, cfg, opts, logger); err != nil {
			logger.Error("gauge polling failed", "err", err)
			os.Exit(1)
		}
	}
}

func measureStream(ctx context.Context, cfg config.Config, frames int, logger *slog.Logger) (Summary, error) {
	converter, err := convert.New(cfg.Calibration)
	if err != nil {
		return Summary{}, err
	}

	port, err := serialport.Open(cfg.Stream.Serial, logger.With("component", "stream_serial"))
	if err != nil {
		return Summary{}, err
	}
	defer port.Close()

	collector, counters, err := app.NewCollector(port, cfg.Stream, logger)
	if err != nil {
		return Summary{}, err
	}

	readings := make([]convert.Reading, 0, frames)
	failures := 0
	start := time.Now()
	for len(readings) < frames {
		if err := ctx.Err(); err != nil {
			return Summary{}, err
		}
		set, err := collector.Collect(ctx, cfg.Sampling.Repeat)
		if err != nil {
			return Summary{}, err
		}
		volts, _, err := sampler.Reduce(set, cfg.Sampling.Tolerance)
		if err != nil {
			failures++
			logger.Warn("reading discarded", "err", err)
			continue
		}
		reading, err := converter.Convert(volts.Room, volts.Cryo, volts.ICR, volts.ICH)
		if err != nil {
			failures++
			logger.Warn("reading discarded", "err", err)
			continue
		}
		readings = append(readings, reading)
	}

	summary, err := Summarize(readings, time.Since(start))
	if err != nil {
		return Summary{}, err
	}
	summary.Discarded = failures
	summary.DecodeErrors = counters.DecodeErrors.Load()
	summary.FrameErrors = counters.FrameErrors.Load()
	return summary, nil
}

func printSummary(w io.Writer, s Summary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	fmt.Fprintf(w, "It takes %s to sample %d readings (%s per reading).\n", s.Elapsed, s.Readings, s.PerReading)
	fmt.Fprintln(w, "Measurement result")
	for _, ch := range s.Channels {
		fmt.Fprintf(w, "%-16s %g +/- %g (%.4g%%)\n", ch.Name+":", ch.Mean, ch.StdDev, ch.RelativeError*100)
	}
	fmt.Fprintf(w, "discarded readings: %d, decode errors: %d, frame errors: %d\n", s.Discarded, s.DecodeErrors, s.FrameErrors)
	return nil
}

type gaugeReply struct {
	Timestamp time.Time `json:"ts"`
	Value     string    `json:"value,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func pollGauge(ctx context.Context, cfg config.Config, opts options, logger *slog.Logger) error {
	g, err := gauge.New(
		gauge.SerialDialer(cfg.Gauge.Serial, logger.With("component", "gauge_serial")),
		cfg.Gauge.Address,
		cfg.Gauge.Timeout,
		logger.With("component", "gauge"),
	)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	for n := 0; opts.count == 0 || n < opts.count; n++ {
		reply := gaugeReply{Timestamp: time.Now()}
		value, err := g.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			reply.Error = err.Error()
		}
		reply.Value = value

		if opts.jsonOutput {
			if err := enc.Encode(reply); err != nil {
				return err
			}
		} else if reply.Error != "" {
			fmt.Printf("%s error: %s\n", reply.Timestamp.Format(time.RFC3339), reply.Error)
		} else {
			fmt.Printf("%s %s\n", reply.Timestamp.Format(time.RFC3339), reply.Value)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}
