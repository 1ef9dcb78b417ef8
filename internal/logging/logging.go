package logging

import (
	"log/slog"
	"os"
	"strings"
)

// LevelTrace is below debug and only used for pion's trace output.
const LevelTrace = slog.LevelDebug - 4

// ParseLevel maps a LOG_LEVEL value to a slog level.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, true
	case "dev", "development", "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error", "production", "prod":
		return slog.LevelError, true
	}
	return slog.LevelError, false
}

// Init installs the default logger. It writes text to stderr at the level
// named by LOG_LEVEL, errors only when unset.
func Init() *slog.Logger {
	level := slog.LevelError // default: production only shows errors

	if l, ok := os.LookupEnv("LOG_LEVEL"); ok {
		if parsed, ok := ParseLevel(l); ok {
			level = parsed
		}
	}

	logger := slog.New(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}),
	)
	slog.SetDefault(logger)
	return logger
}
