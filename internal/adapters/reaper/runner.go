// Package reaper provides the process adapter for the requeue reaper.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/mmk-jobs/config"
	"github.com/target/mmk-jobs/internal/core"
	"github.com/target/mmk-jobs/internal/observability/metrics"
	"github.com/target/mmk-jobs/internal/service"
)

// Runner provides a simple adapter to run the requeue loop.
type Runner struct {
	requeue *service.RequeueService
	logger  *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Repo      core.JobRunRepository
	Publisher service.Republisher
	Config    config.ReaperConfig
	Logger    *slog.Logger
	Metrics   metrics.Recorder
}

// NewRunner creates a new reaper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	svc, err := service.NewRequeueService(service.RequeueServiceOptions{
		Repo:      opts.Repo,
		Publisher: opts.Publisher,
		Config:    opts.Config,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("wire requeue service: %w", err)
	}

	return &Runner{requeue: svc, logger: opts.Logger}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.Repo == nil {
		return errors.New("job run repository is required")
	}
	if opts.Publisher == nil {
		return errors.New("publisher is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

// Run starts the requeue loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper runner")
	return r.requeue.Run(ctx)
}
