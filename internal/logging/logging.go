package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. format "console" switches to the human-readable writer.
func New(level, format string) zerolog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(lvl)
}

// CronLogger adapts zerolog to the cron.Logger interface.
type CronLogger struct {
	Log zerolog.Logger
}

// Info logs routine cron messages at debug, except skipped runs.
func (l CronLogger) Info(msg string, keysAndValues ...interface{}) {
	ev := l.Log.Debug()
	if msg == "skip" {
		ev = l.Log.Warn()
	}
	ev.Fields(keysAndValues).Msg("cron " + msg)
}

// Error logs cron failures, including recovered job panics.
func (l CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.Log.Error().Err(err).Fields(keysAndValues).Msg("cron " + msg)
}
