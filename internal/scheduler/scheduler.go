// Package scheduler runs the hub's background sweeps on a cron ticker:
// lease reclaim, TTL expiry, heartbeat aging, round-table expiry and purge,
// and group history retention. Jobs never overlap with themselves.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// jobTimeout bounds a single sweep run.
const jobTimeout = 30 * time.Second

// Sweeper is one background job: it processes some backlog and reports how
// many records it touched.
type Sweeper func(ctx context.Context) (int, error)

// Recorder observes sweep outcomes, used to feed metrics.
type Recorder func(job string, err error)

// Scheduler owns the cron runner and the registered sweeps.
type Scheduler struct {
	cron     *cron.Cron
	interval time.Duration
	record   Recorder
	logger   *zap.Logger
}

// New creates a scheduler ticking at the given interval. record may be nil.
func New(interval time.Duration, record Recorder, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	runner := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger{logger}),
	))
	return &Scheduler{
		cron:     runner,
		interval: interval,
		record:   record,
		logger:   logger,
	}
}

// Add registers a named sweep on the shared interval.
func (s *Scheduler) Add(name string, sweep Sweeper) error {
	spec := fmt.Sprintf("@every %s", s.interval)
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		n, err := sweep(ctx)
		if s.record != nil {
			s.record(name, err)
		}
		if err != nil {
			s.logger.Warn("sweep failed",
				zap.String("job", name),
				zap.Error(err),
			)
			return
		}
		if n > 0 {
			s.logger.Info("sweep completed",
				zap.String("job", name),
				zap.Int("processed", n),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

// Start begins ticking in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.Duration("interval", s.interval),
		zap.Int("jobs", len(s.cron.Entries())),
	)
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// cronLogger adapts zap to the cron logging interface used by the
// skip-if-still-running chain.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Sugar().Infow(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
