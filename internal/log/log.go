// Package log provides a minimal factory for structured slog loggers.
package log

import (
	"log/slog"
	"os"
)

// New creates a [slog.Logger] writing to stderr at the given level (one of
// "debug", "info", "warn", "error"; defaults to info). format selects the
// handler: "json" for machine-scraped deployments, anything else for text.
func New(level, format string) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// Component returns a child logger tagged with a subsystem name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	return logger.With("component", name)
}
