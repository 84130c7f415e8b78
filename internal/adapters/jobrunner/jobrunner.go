// Package jobrunner runs the worker process: it pulls job messages from the broker
// and hands each one to the dispatcher.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/mmk-jobs/config"
	"github.com/target/mmk-jobs/internal/core"
	obserrors "github.com/target/mmk-jobs/internal/observability/errors"
	"github.com/target/mmk-jobs/internal/observability/statsd"
	"github.com/target/mmk-jobs/internal/service"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	settleTimeout = 5 * time.Second
	// receiveErrorBackoff spaces out retries while the broker is unreachable.
	receiveErrorBackoff = time.Second
)

// Dispatcher executes one job message to completion.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg core.Message) error
}

// Recoverer is implemented by brokers that keep per-consumer in-flight lists.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// RunnerOptions configures the worker runner.
type RunnerOptions struct {
	Broker     core.Broker
	Dispatcher Dispatcher
	Config     config.WorkerConfig
	Logger     *slog.Logger
	Metrics    statsd.Sink
}

// Runner consumes the broker with a fixed number of goroutines.
type Runner struct {
	broker     core.Broker
	dispatcher Dispatcher
	workers    int
	limiter    *rate.Limiter
	logger     *slog.Logger
	metrics    statsd.Sink
}

// NewRunner constructs a worker runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Broker == nil {
		return nil, errors.New("broker is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	cfg := opts.Config
	cfg.Sanitize()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}

	return &Runner{
		broker:     opts.Broker,
		dispatcher: opts.Dispatcher,
		workers:    cfg.Concurrency,
		limiter:    limiter,
		logger:     logger.With("component", "worker", "worker", cfg.Name),
		metrics:    opts.Metrics,
	}, nil
}

// Run recovers messages this worker left in flight, then consumes until ctx is cancelled.
// Runs in progress at cancellation are released and their messages requeued.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting worker", "concurrency", r.workers, "rate_limited", r.limiter != nil)

	if rec, ok := r.broker.(Recoverer); ok {
		if _, err := rec.Recover(ctx); err != nil {
			return fmt.Errorf("recover in-flight messages: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for range r.workers {
		g.Go(func() error {
			return r.consume(gctx)
		})
	}
	err := g.Wait()
	r.logger.InfoContext(ctx, "worker stopped", "reason", ctx.Err())
	return err
}

func (r *Runner) consume(ctx context.Context) error {
	for ctx.Err() == nil {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		d, err := r.broker.Receive(ctx)
		switch {
		case err == nil:
			r.handle(ctx, d)
		case errors.Is(err, core.ErrNoMessage):
		case ctx.Err() != nil:
			return nil
		default:
			r.logger.WarnContext(ctx, "receive failed", "error", err)
			r.count("receive", "error", err)
			if !sleep(ctx, receiveErrorBackoff) {
				return nil
			}
		}
	}
	return nil
}

func (r *Runner) handle(ctx context.Context, d core.Delivery) {
	msg := d.Message()
	start := time.Now()
	err := r.dispatcher.Dispatch(ctx, msg)

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	switch {
	case err == nil:
		if ackErr := d.Ack(settleCtx); ackErr != nil {
			r.logger.ErrorContext(ctx, "ack failed", "job_run_id", msg.JobRunID, "error", ackErr)
		}
		r.count("ack", "success", nil)
	case errors.Is(err, service.ErrInterrupted):
		r.requeue(ctx, settleCtx, d)
		r.count("requeue", "interrupted", nil)
	default:
		// Store defects leave the run claimable; another delivery retries it.
		r.logger.ErrorContext(ctx, "dispatch failed", "job_run_id", msg.JobRunID, "job_name", msg.JobName, "error", err)
		r.requeue(ctx, settleCtx, d)
		r.count("requeue", "error", err)
		sleep(ctx, receiveErrorBackoff)
	}

	if r.metrics != nil {
		r.metrics.Timing("worker.dispatch_duration", time.Since(start), map[string]string{"job_name": msg.JobName})
	}
}

func (r *Runner) requeue(ctx, settleCtx context.Context, d core.Delivery) {
	if err := d.Requeue(settleCtx); err != nil {
		r.logger.ErrorContext(ctx, "requeue failed", "job_run_id", d.Message().JobRunID, "error", err)
	}
}

func (r *Runner) count(action, result string, err error) {
	if r.metrics == nil {
		return
	}
	tags := map[string]string{"action": action, "result": result}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}
	r.metrics.Count("worker.delivery", 1, tags)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
