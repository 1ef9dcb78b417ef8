package logging

import (
	"context"
	"fmt"
	"log/slog"

	pionlog "github.com/pion/logging"
)

// PionFactory hands pion loggers that write to a slog.Logger, one per pion
// scope (ice, dtls, sctp, ...).
type PionFactory struct {
	log *slog.Logger
}

// NewPionFactory returns a pion LoggerFactory backed by logger, or by the
// default logger when nil.
func NewPionFactory(logger *slog.Logger) *PionFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &PionFactory{log: logger.With("component", "pion")}
}

func (f *PionFactory) NewLogger(scope string) pionlog.LeveledLogger {
	return &pionLogger{log: f.log.With("scope", scope)}
}

var _ pionlog.LoggerFactory = (*PionFactory)(nil)

type pionLogger struct {
	log *slog.Logger
}

func (l *pionLogger) logf(level slog.Level, format string, args ...any) {
	ctx := context.Background()
	if !l.log.Enabled(ctx, level) {
		return
	}
	l.log.Log(ctx, level, fmt.Sprintf(format, args...))
}

func (l *pionLogger) Trace(msg string)                  { l.log.Log(context.Background(), LevelTrace, msg) }
func (l *pionLogger) Tracef(format string, args ...any) { l.logf(LevelTrace, format, args...) }
func (l *pionLogger) Debug(msg string)                  { l.log.Debug(msg) }
func (l *pionLogger) Debugf(format string, args ...any) { l.logf(slog.LevelDebug, format, args...) }
func (l *pionLogger) Info(msg string)                   { l.log.Info(msg) }
func (l *pionLogger) Infof(format string, args ...any)  { l.logf(slog.LevelInfo, format, args...) }
func (l *pionLogger) Warn(msg string)                   { l.log.Warn(msg) }
func (l *pionLogger) Warnf(format string, args ...any)  { l.logf(slog.LevelWarn, format, args...) }
func (l *pionLogger) Error(msg string)                  { l.log.Error(msg) }
func (l *pionLogger) Errorf(format string, args ...any) { l.logf(slog.LevelError, format, args...) }
