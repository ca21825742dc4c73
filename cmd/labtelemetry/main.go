package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/skobkin/labtelemetry/internal/app"
	"github.com/skobkin/labtelemetry/internal/config"
	"github.com/skobkin/labtelemetry/internal/logging"
	"github.com/skobkin/labtelemetry/internal/sampler"
	"github.com/skobkin/labtelemetry/internal/version"
)

var (
	buildVersion = "dev"
	buildCommit  = ""
	buildTime    = ""
)

const exitCircuitOpen = 2

func main() {
	version.Set(version.Info{
		Version:   buildVersion,
		Commit:    buildCommit,
		BuildTime: buildTime,
	})

	configPath := pflag.StringP("config", "c", "", "Path to a YAML configuration file")
	envFile := pflag.String("env-file", "", "Path to a dotenv file with APP_* variables")
	showVersion := pflag.BoolP("version", "v", false, "Print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println(version.Current().String())
		return
	}

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})
		slog.New(handler).Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stderr, cfg.Log)
	logger.Info("starting", "version", version.Current().String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, logger, cfg); err != nil {
		logger.Error("application error", "err", err)
		if errors.Is(err, sampler.ErrCircuitOpen) {
			os.Exit(exitCircuitOpen)
		}
		os.Exit(1)
	}
}
