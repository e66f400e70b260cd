package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewWithWriterText(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{})

	logger.Info("store ready", "store", "mem")

	out := buf.String()
	if !strings.Contains(out, "store ready") || !strings.Contains(out, "store=mem") {
		t.Errorf("text output = %q", out)
	}
}

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{JSON: true})

	logger.Info("sync complete", "engine", "facet")

	out := buf.String()
	if !strings.Contains(out, `"msg":"sync complete"`) || !strings.Contains(out, `"engine":"facet"`) {
		t.Errorf("json output = %q", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{Level: slog.LevelWarn})

	logger.Debug("hidden")
	logger.Info("hidden too")
	logger.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("low-level records leaked: %q", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("warn record dropped: %q", out)
	}
}

func TestNewNopDiscards(t *testing.T) {
	logger := NewNop()
	// must accept every level without panicking
	logger.Debug("x")
	logger.Info("x")
	logger.Warn("x")
	logger.Error("x")
}
