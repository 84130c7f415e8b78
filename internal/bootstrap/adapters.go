package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/target/mmk-jobs/config"
	"github.com/target/mmk-jobs/internal/adapters/jobrunner"
	"github.com/target/mmk-jobs/internal/adapters/reaper"
	schedrunner "github.com/target/mmk-jobs/internal/adapters/scheduler"
	"github.com/target/mmk-jobs/internal/core"
	"github.com/target/mmk-jobs/internal/domain/model"
	"github.com/target/mmk-jobs/internal/observability/metrics"
	"github.com/target/mmk-jobs/internal/observability/statsd"
	"github.com/target/mmk-jobs/internal/service"
)

// WorkerConfig contains dependencies for the worker service.
type WorkerConfig struct {
	Broker     core.Broker
	Dispatcher jobrunner.Dispatcher
	Config     config.WorkerConfig
	Logger     *slog.Logger
	Metrics    statsd.Sink
}

// RunWorker consumes the broker until ctx is cancelled.
func RunWorker(ctx context.Context, cfg WorkerConfig) error {
	runner, err := jobrunner.NewRunner(jobrunner.RunnerOptions{
		Broker:     cfg.Broker,
		Dispatcher: cfg.Dispatcher,
		Config:     cfg.Config,
		Logger:     cfg.Logger,
		Metrics:    cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create worker runner: %w", err)
	}

	return runner.Run(ctx)
}

// SchedulerConfig contains dependencies for the scheduler service.
type SchedulerConfig struct {
	Producer service.Enqueuer
	Entries  []model.ScheduledJobDefinition
	Config   config.SchedulerConfig
	Guard    core.FireGuard
	Logger   *slog.Logger
	Metrics  metrics.Recorder
}

// RunScheduler builds a cron scheduler over the entry table and runs it until ctx is cancelled.
func RunScheduler(ctx context.Context, cfg SchedulerConfig) error {
	scheduler, err := service.NewCronScheduler(service.CronSchedulerOptions{
		Producer: cfg.Producer,
		Entries:  cfg.Entries,
		Config:   cfg.Config,
		Guard:    cfg.Guard,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create cron scheduler: %w", err)
	}

	runner, err := schedrunner.NewRunner(schedrunner.RunnerOptions{
		Scheduler: scheduler,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return fmt.Errorf("create scheduler runner: %w", err)
	}

	return runner.Run(ctx)
}

// ReaperConfig contains dependencies for the reaper service.
type ReaperConfig struct {
	Repo      core.JobRunRepository
	Publisher service.Republisher
	Config    config.ReaperConfig
	Logger    *slog.Logger
	Metrics   metrics.Recorder
}

// RunReaper starts the reaper service.
func RunReaper(ctx context.Context, cfg ReaperConfig) error {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		Repo:      cfg.Repo,
		Publisher: cfg.Publisher,
		Config:    cfg.Config,
		Logger:    cfg.Logger,
		Metrics:   cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}

	return runner.Run(ctx)
}
