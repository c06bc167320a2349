// Package logger provides the leveled logger shared by all pipeline stages.
// The default level is WARN; -v/-q on the command line move it one step at a
// time, mirroring the verbosity model of classic download tools.
package logger

import (
	"fmt"
	"io"
	"log/slog"
)

// Logger is the logging interface every component accepts.
type Logger interface {
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warnf(format string, v ...any)
	Errorf(format string, v ...any)
}

type slogLogger struct {
	inner *slog.Logger
}

// New creates a logger writing human-readable lines to w. verbosity is the
// net -v/-q count: 0 means WARN, positive values lower the threshold toward
// DEBUG, negative values raise it toward ERROR.
func New(w io.Writer, verbosity int) Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: levelFor(verbosity)})
	return &slogLogger{inner: slog.New(handler)}
}

// Discard returns a logger that drops everything; used in tests.
func Discard() Logger {
	return New(io.Discard, -10)
}

func levelFor(verbosity int) slog.Level {
	level := slog.LevelWarn - slog.Level(verbosity*4)
	if level < slog.LevelDebug {
		level = slog.LevelDebug
	}
	if level > slog.LevelError {
		level = slog.LevelError
	}
	return level
}

func (l *slogLogger) Debugf(format string, v ...any) {
	l.inner.Debug(fmt.Sprintf(format, v...))
}

func (l *slogLogger) Infof(format string, v ...any) {
	l.inner.Info(fmt.Sprintf(format, v...))
}

func (l *slogLogger) Warnf(format string, v ...any) {
	l.inner.Warn(fmt.Sprintf(format, v...))
}

func (l *slogLogger) Errorf(format string, v ...any) {
	l.inner.Error(fmt.Sprintf(format, v...))
}
