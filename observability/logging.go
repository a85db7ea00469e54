// Package observability constructs the relay's logger and tracer.
package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogConfig configures the logger.
type LogConfig struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string

	// Format is text or json.
	Format string

	// Output is stdout, stderr or a file path opened for appending.
	Output string
}

// NewLogger builds a slog logger from cfg. The returned closer releases a log
// file when Output names one.
func NewLogger(cfg LogConfig) (*slog.Logger, io.Closer, error) {
	var out io.Writer
	var closer io.Closer = nopCloser{}

	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
		closer = f
	}

	return newLogger(cfg, out), closer, nil
}

func newLogger(cfg LogConfig, out io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: LevelFromString(cfg.Level)}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

// LevelFromString parses a level name, defaulting to info.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
