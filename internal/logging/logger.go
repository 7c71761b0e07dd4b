// Package logging holds the process-wide structured logger. Commands call
// Init once with the level from the CLI flag; everything else logs through
// the package-level helpers or a component-scoped logger from With.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var current atomic.Pointer[slog.Logger]

// Init configures the global logger. The output is text on stderr, or JSON
// when SKIFF_LOG_FORMAT=json is set. Unrecognized levels fall back to info.
func Init(level string) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(os.Getenv("SKIFF_LOG_FORMAT"), "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	current.Store(logger)
	slog.SetDefault(logger)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// Logger returns the global logger, initializing it at info level on first
// use so library code can log before a command runs Init.
func Logger() *slog.Logger {
	if logger := current.Load(); logger != nil {
		return logger
	}
	Init("info")
	return current.Load()
}

// With returns a logger scoped to one component, e.g. With("engine").
func With(component string) *slog.Logger {
	return Logger().With("component", component)
}

func Debug(msg string, args ...any) { Logger().Debug(msg, args...) }
func Info(msg string, args ...any)  { Logger().Info(msg, args...) }
func Warn(msg string, args ...any)  { Logger().Warn(msg, args...) }
func Error(msg string, args ...any) { Logger().Error(msg, args...) }
