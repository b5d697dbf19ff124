// Package scheduler runs the coordinator's periodic maintenance: trust
// decay, IOC expiry sweeps and heartbeat reaping. Each job is
// single-threaded within itself and interleaves with live traffic
// through the per-row locks of the components it drives.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"threatnet-coordinator/internal/config"
	"threatnet-coordinator/internal/util"
)

// DecayTicker advances trust scores toward the initial value.
type DecayTicker interface {
	ApplyDecayTick(ctx context.Context, now time.Time) error
}

// Sweeper expires stale pending IOCs.
type Sweeper interface {
	ExpireSweep(ctx context.Context, now time.Time) (int, error)
}

// Reaper disconnects clients that stopped heartbeating.
type Reaper interface {
	ReapStale(ctx context.Context, now time.Time) int
}

// Scheduler owns the cron runner for all periodic tasks.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
}

// New registers the three maintenance jobs at their configured
// intervals.
func New(cfg config.SchedulerConfig, decay DecayTicker, sweep Sweeper, reap Reaper, logger *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(),
		logger: logger,
	}

	jobs := []struct {
		name     string
		interval time.Duration
		run      func(ctx context.Context, now time.Time)
	}{
		{
			name:     "trust_decay",
			interval: cfg.DecayInterval,
			run: func(ctx context.Context, now time.Time) {
				if err := decay.ApplyDecayTick(ctx, now); err != nil {
					logger.Error("trust decay tick failed", util.ErrorField(err))
				}
			},
		},
		{
			name:     "expire_sweep",
			interval: cfg.SweepInterval,
			run: func(ctx context.Context, now time.Time) {
				if _, err := sweep.ExpireSweep(ctx, now); err != nil {
					logger.Error("expire sweep failed", util.ErrorField(err))
				}
			},
		},
		{
			name:     "heartbeat_reaper",
			interval: cfg.ReaperInterval,
			run: func(ctx context.Context, now time.Time) {
				if n := reap.ReapStale(ctx, now); n > 0 {
					logger.Info("reaped stale clients", util.Int("count", n))
				}
			},
		},
	}

	for _, job := range jobs {
		job := job
		spec := fmt.Sprintf("@every %s", job.interval)
		if _, err := s.cron.AddFunc(spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), job.interval)
			defer cancel()
			job.run(ctx, time.Now().UTC())
		}); err != nil {
			return nil, fmt.Errorf("register %s job: %w", job.name, err)
		}
		logger.Info("scheduled maintenance job",
			util.String("job", job.name),
			util.Duration("interval", job.interval),
		)
	}

	return s, nil
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop waits for running jobs to finish, bounded by the context.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
