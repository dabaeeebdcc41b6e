// Package scheduler drives check cycles from a fixed interval timer.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Runner is the work done on every tick.
type Runner interface {
	RunCycle(ctx context.Context, trigger string) error
}

// Scheduler wraps a gocron scheduler holding the single check job.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *zap.SugaredLogger
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a scheduler that calls runner every interval, starting right
// away. A tick that finds the previous cycle still running is skipped.
// Cycle failures are logged and never stop the loop.
func New(runner Runner, trigger string, interval time.Duration, clock clockwork.Clock, logger *zap.SugaredLogger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}

	opts := []gocron.SchedulerOption{}
	if clock != nil {
		opts = append(opts, gocron.WithClock(clock))
	}
	s, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sch := &Scheduler{scheduler: s, logger: logger, ctx: ctx, cancel: cancel}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(sch.tick, runner, trigger),
		gocron.WithName("check-cycle"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		cancel()
		_ = s.Shutdown()
		return nil, fmt.Errorf("failed to create check job: %w", err)
	}
	return sch, nil
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.logger.Info("starting scheduler")
	s.scheduler.Start()
}

// Stop cancels the running cycle, if any, and waits for it to return.
func (s *Scheduler) Stop() error {
	s.logger.Info("stopping scheduler")
	s.cancel()
	return s.scheduler.Shutdown()
}

func (s *Scheduler) tick(runner Runner, trigger string) {
	if err := runner.RunCycle(s.ctx, trigger); err != nil {
		// already logged by the checker with cycle fields
		s.logger.Debugw("scheduled cycle failed", "error", err)
	}
}
