// Package logging builds the process logger.
package logging

import (
	"io"
	"log/slog"
	"time"

	charmlog "github.com/charmbracelet/log"

	"github.com/skobkin/labtelemetry/internal/config"
)

// New returns a slog.Logger writing to w in the configured format. Unknown formats
// fall back to text; config.Validate rejects them before this point.
func New(w io.Writer, cfg config.LogConfig) *slog.Logger {
	formatter := charmlog.TextFormatter
	switch cfg.Format {
	case "json":
		formatter = charmlog.JSONFormatter
	case "logfmt":
		formatter = charmlog.LogfmtFormatter
	}

	handler := charmlog.NewWithOptions(w, charmlog.Options{
		Level:           charmlog.Level(cfg.LogLevel()),
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       formatter,
	})
	return slog.New(handler)
}
