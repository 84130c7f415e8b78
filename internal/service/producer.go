package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/mmk-jobs/internal/core"
	domainjob "github.com/target/mmk-jobs/internal/domain/job"
	"github.com/target/mmk-jobs/internal/domain/model"
	"github.com/target/mmk-jobs/internal/observability/metrics"
)

// ProducerOptions groups dependencies for Producer.
type ProducerOptions struct {
	Repo     core.JobRunRepository // Required: job run store
	Broker   core.Broker           // Required: message broker
	Registry *domainjob.Registry   // Required: resolves targets at enqueue time
	Events   *EventLogger          // Optional: publish failures and rerun links
	Logger   *slog.Logger          // Optional: structured logger
	Metrics  metrics.Recorder      // Optional: enqueue counters
}

// Producer records job runs and hands them to the broker.
type Producer struct {
	repo     core.JobRunRepository
	broker   core.Broker
	registry *domainjob.Registry
	events   *EventLogger
	logger   *slog.Logger
	metrics  metrics.Recorder
	now      func() time.Time
}

// NewProducer constructs a new Producer.
func NewProducer(opts ProducerOptions) (*Producer, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRunRepository is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("broker is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		repo:     opts.Repo,
		broker:   opts.Broker,
		registry: opts.Registry,
		events:   opts.Events,
		logger:   logger.With("component", "producer"),
		metrics:  metrics.OrNoop(opts.Metrics),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Enqueue validates req, resolves its target, durably records a queued run, then publishes it.
// Unknown targets are rejected before anything is written. When the publish step fails the
// returned error is a *PublishError carrying the recorded run id.
func (p *Producer) Enqueue(ctx context.Context, req model.EnqueueRequest) (*model.EnqueueResult, error) {
	run, err := p.enqueue(ctx, req)
	if err != nil {
		return nil, err
	}
	return &model.EnqueueResult{JobRunID: run.ID, Status: run.Status}, nil
}

func (p *Producer) enqueue(ctx context.Context, req model.EnqueueRequest) (*model.JobRun, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		p.metrics.Enqueue(req.JobName, metrics.ResultError)
		return nil, fmt.Errorf("%w: %w", ErrInvalidEnqueueRequest, err)
	}
	if _, err := p.registry.Resolve(req.Target); err != nil {
		p.metrics.Enqueue(req.JobName, metrics.ResultError)
		return nil, err
	}

	run, err := p.repo.Create(ctx, &req)
	if err != nil {
		p.metrics.Enqueue(req.JobName, metrics.ResultError)
		return nil, fmt.Errorf("create job run: %w", err)
	}

	if err := p.Republish(ctx, run); err != nil {
		p.metrics.Enqueue(run.JobName, metrics.ResultError)
		p.logger.ErrorContext(ctx, "job run recorded but not published",
			"job_run_id", run.ID,
			"job_name", run.JobName,
			"error", err,
		)
		p.events.Error(ctx, run.ID, "failed to publish job run", map[string]any{"error": err.Error()})
		return run, &PublishError{JobRunID: run.ID, Err: err}
	}

	p.metrics.Enqueue(run.JobName, metrics.ResultSuccess)
	p.logger.DebugContext(ctx, "job run enqueued",
		"job_run_id", run.ID,
		"job_name", run.JobName,
		"target", run.Target,
	)
	return run, nil
}

// Republish sends an existing run to the broker again.
func (p *Producer) Republish(ctx context.Context, run *model.JobRun) error {
	if run == nil {
		return errors.New("job run is required")
	}
	msg := core.Message{
		JobRunID:    run.ID,
		JobName:     run.JobName,
		Target:      run.Target,
		Payload:     run.Payload,
		MaxRetries:  run.MaxRetries,
		PublishedAt: p.now(),
	}
	if err := p.broker.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish job run %s: %w", run.ID, err)
	}
	return nil
}

// Rerun enqueues a new run with the stored job name, target, payload and retry budget
// of a finished run. The original run gets an info event linking to the new one.
func (p *Producer) Rerun(ctx context.Context, runID string) (*model.EnqueueResult, error) {
	original, err := p.repo.GetByID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("get job run: %w", err)
	}
	if !original.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrRunNotTerminal, original.ID, original.Status)
	}

	run, err := p.enqueue(ctx, model.EnqueueRequest{
		JobName:    original.JobName,
		Target:     original.Target,
		Payload:    original.Payload,
		MaxRetries: original.MaxRetries,
	})
	if run != nil {
		p.events.Info(ctx, original.ID, "rerun requested", map[string]any{"rerun_job_run_id": run.ID})
	}
	if err != nil {
		return nil, err
	}
	return &model.EnqueueResult{JobRunID: run.ID, Status: run.Status}, nil
}
