package scheduler

import (
	"time"

	"TradeSentinel/internal/model"

	"github.com/robfig/cron/v3"
)

// CandleClose fires shortly after every boundary of Period. Boundaries are
// aligned to UTC, so "1w" closes on Monday 00:00 like exchange weekly candles.
type CandleClose struct {
	Period time.Duration
	Delay  time.Duration
}

// Next returns the first fire strictly after t.
func (c CandleClose) Next(t time.Time) time.Time {
	return t.Add(-c.Delay).Truncate(c.Period).Add(c.Period).Add(c.Delay)
}

// Schedule converts a cadence into a cron schedule.
func Schedule(c model.Cadence, closeDelay time.Duration) cron.Schedule {
	if c.Aligned {
		return CandleClose{Period: c.Every, Delay: closeDelay}
	}
	return cron.Every(c.Every)
}

// skipLogger reports overlapping fires through onSkip before logging them.
type skipLogger struct {
	cron.Logger
	onSkip func()
}

func (l skipLogger) Info(msg string, keysAndValues ...interface{}) {
	if msg == "skip" && l.onSkip != nil {
		l.onSkip()
	}
	l.Logger.Info(msg, keysAndValues...)
}

// Wrap builds a job that never overlaps itself. A fire that lands while the
// previous run is still going is dropped and reported to onSkip.
func Wrap(log cron.Logger, onSkip func(), fn func()) cron.Job {
	return cron.NewChain(cron.SkipIfStillRunning(skipLogger{Logger: log, onSkip: onSkip})).Then(cron.FuncJob(fn))
}
