package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// LevelTrace is below slog.LevelDebug; pion's trace output is per-packet.
const LevelTrace = slog.LevelDebug - 4

// NewLoggerFactory returns a pion LoggerFactory that writes through logger, so
// ICE/DTLS/SCTP messages share the relay's handler and level.
func NewLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return slogLoggerFactory{log: logger}
}

type slogLoggerFactory struct {
	log *slog.Logger
}

func (f slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveledLogger{log: f.log.With("component", "pion", "scope", scope)}
}

// pion reports per-connection state changes at info; they are demoted to debug.
type slogLeveledLogger struct {
	log *slog.Logger
}

func (l *slogLeveledLogger) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l *slogLeveledLogger) emitf(level slog.Level, format string, args ...interface{}) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	l.log.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l *slogLeveledLogger) Trace(msg string) { l.emit(LevelTrace, msg) }
func (l *slogLeveledLogger) Tracef(format string, args ...interface{}) {
	l.emitf(LevelTrace, format, args...)
}
func (l *slogLeveledLogger) Debug(msg string) { l.emit(slog.LevelDebug, msg) }
func (l *slogLeveledLogger) Debugf(format string, args ...interface{}) {
	l.emitf(slog.LevelDebug, format, args...)
}
func (l *slogLeveledLogger) Info(msg string) { l.emit(slog.LevelDebug, msg) }
func (l *slogLeveledLogger) Infof(format string, args ...interface{}) {
	l.emitf(slog.LevelDebug, format, args...)
}
func (l *slogLeveledLogger) Warn(msg string) { l.emit(slog.LevelWarn, msg) }
func (l *slogLeveledLogger) Warnf(format string, args ...interface{}) {
	l.emitf(slog.LevelWarn, format, args...)
}
func (l *slogLeveledLogger) Error(msg string) { l.emit(slog.LevelError, msg) }
func (l *slogLeveledLogger) Errorf(format string, args ...interface{}) {
	l.emitf(slog.LevelError, format, args...)
}
