package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/skobkin/labtelemetry/internal/config"
)

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, config.LogConfig{Level: "info", Format: "json"})
	logger.Info("log files opened", "date", "2024-03-07")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected a JSON line, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "log files opened" || entry["date"] != "2024-03-07" {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, config.LogConfig{Level: "warn", Format: "logfmt"})
	logger.Info("hidden")
	logger.Warn("cycle failed", "class", "gauge")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line must be filtered at warn level: %q", out)
	}
	if !strings.Contains(out, "cycle failed") || !strings.Contains(out, "class=gauge") {
		t.Fatalf("warn line missing: %q", out)
	}
}
