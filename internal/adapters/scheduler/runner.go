// Package scheduler provides the process adapter for the cron scheduler.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/mmk-jobs/internal/service"
)

const defaultStopTimeout = 30 * time.Second

// Scheduler is the lifecycle surface of service.CronScheduler.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Entries() []string
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Scheduler Scheduler
	Logger    *slog.Logger
	// StopTimeout bounds the wait for an in-flight tick at shutdown. Defaults to 30s.
	StopTimeout time.Duration
}

// Runner starts the scheduler and stops it when the context ends.
type Runner struct {
	scheduler   Scheduler
	logger      *slog.Logger
	stopTimeout time.Duration
}

// NewRunner creates a new scheduler runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stopTimeout := opts.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}
	return &Runner{scheduler: opts.Scheduler, logger: logger, stopTimeout: stopTimeout}, nil
}

// Run blocks until ctx is cancelled. Returns nil on graceful shutdown.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting scheduler runner", "entries", r.scheduler.Entries())
	if err := r.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.stopTimeout)
	defer cancel()
	if err := r.scheduler.Stop(stopCtx); err != nil && !errors.Is(err, service.ErrSchedulerNotRunning) {
		return fmt.Errorf("stop scheduler: %w", err)
	}
	r.logger.InfoContext(ctx, "scheduler runner stopped", "reason", ctx.Err())
	return nil
}
