// Package log builds the slog loggers injected across the knowledge base.
//
// Components never reach for a global logger: each constructor takes a
// *slog.Logger and derives its own context with With(). This package only
// concentrates handler construction so level, format and destination are
// decided in one place.
package log

import (
	"io"
	"log/slog"
	"os"
)

// Config defines logger construction options.
type Config struct {
	// Level is the minimum level emitted. Default: slog.LevelInfo.
	Level slog.Level

	// JSON switches the handler to JSON output. Default: text.
	JSON bool

	// AddSource annotates records with file and line.
	AddSource bool
}

// New creates a logger writing to stderr.
func New(cfg Config) *slog.Logger {
	return NewWithWriter(os.Stderr, cfg)
}

// NewWithWriter creates a logger writing to w. Tests pass a buffer here to
// assert on output.
func NewWithWriter(w io.Writer, cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}
	if cfg.JSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewNop creates a logger that discards everything. Test-only; production
// callers configure New or NewWithWriter.
func NewNop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
