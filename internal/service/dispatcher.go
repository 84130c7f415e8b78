package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/target/mmk-jobs/config"
	"github.com/target/mmk-jobs/internal/core"
	"github.com/target/mmk-jobs/internal/data"
	domainjob "github.com/target/mmk-jobs/internal/domain/job"
	"github.com/target/mmk-jobs/internal/domain/model"
	"github.com/target/mmk-jobs/internal/observability/metrics"
)

// bookkeepingTimeout bounds store writes made after ctx may already be cancelled.
const bookkeepingTimeout = 10 * time.Second

// DispatcherOptions groups dependencies for Dispatcher.
type DispatcherOptions struct {
	Repo     core.JobRunRepository   // Required: job run store
	Registry *domainjob.Registry     // Required: target lookup
	Events   *EventLogger            // Required: per-run event log
	Config   config.DispatcherConfig // Required: timeouts and lease
	Backoff  domainjob.BackoffPolicy // Optional: defaults to exponential jitter from Config
	Logger   *slog.Logger            // Optional: structured logger
	Metrics  metrics.Recorder        // Optional: lifecycle metrics
	// Sleep waits between attempts; tests replace it. Defaults to a ctx-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Dispatcher executes one job run to a terminal state, retrying failed attempts.
type Dispatcher struct {
	repo     core.JobRunRepository
	registry *domainjob.Registry
	events   *EventLogger
	cfg      config.DispatcherConfig
	backoff  domainjob.BackoffPolicy
	logger   *slog.Logger
	metrics  metrics.Recorder
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewDispatcher constructs a new Dispatcher.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRunRepository is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Events == nil {
		return nil, errors.New("event logger is required")
	}

	cfg := opts.Config
	cfg.Sanitize()

	backoff := opts.Backoff
	if backoff == nil {
		backoff = domainjob.ExponentialJitter{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax}
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		repo:     opts.Repo,
		registry: opts.Registry,
		events:   opts.Events,
		cfg:      cfg,
		backoff:  backoff,
		logger:   logger.With("component", "dispatcher"),
		metrics:  metrics.OrNoop(opts.Metrics),
		sleep:    sleep,
	}, nil
}

// MustNewDispatcher constructs a new Dispatcher and panics on error.
func MustNewDispatcher(opts DispatcherOptions) *Dispatcher {
	d, err := NewDispatcher(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create Dispatcher: %v", err))
	}
	return d
}

// Dispatch runs the job run named by msg. Target failures are recorded on the run and
// never returned. A nil return means the message can be acknowledged; ErrInterrupted
// means ctx ended first and the message should be returned to the broker. Any other
// error is a store defect.
func (d *Dispatcher) Dispatch(ctx context.Context, msg core.Message) error {
	if msg.JobRunID == "" {
		return ErrInvalidMessage
	}

	run, ok, err := d.repo.Claim(ctx, core.ClaimParams{ID: msg.JobRunID, Lease: d.cfg.Lease})
	switch {
	case errors.Is(err, data.ErrJobRunNotFound):
		d.logger.WarnContext(ctx, "dropping message for unknown job run", "job_run_id", msg.JobRunID)
		return nil
	case err != nil:
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		return fmt.Errorf("claim job run %s: %w", msg.JobRunID, err)
	case !ok:
		d.duplicate(ctx, msg)
		return nil
	}
	d.metrics.JobTransition(metrics.JobMetric{JobName: run.JobName, Transition: metrics.TransitionClaim, Result: metrics.ResultSuccess})

	return d.execute(ctx, run)
}

// duplicate handles a delivery whose run could not be claimed. Finished runs only get a
// log line so their event log keeps ending on the terminal event; a run held by another
// worker's live lease gets a warn event.
func (d *Dispatcher) duplicate(ctx context.Context, msg core.Message) {
	d.metrics.JobTransition(metrics.JobMetric{JobName: msg.JobName, Transition: metrics.TransitionDuplicate, Result: metrics.ResultNoop})

	run, err := d.repo.GetByID(ctx, msg.JobRunID)
	if err == nil && run.Status.IsTerminal() {
		d.logger.InfoContext(ctx, "job run already finished, ignoring delivery",
			"job_run_id", msg.JobRunID,
			"job_name", msg.JobName,
			"status", run.Status,
		)
		return
	}
	d.logger.WarnContext(ctx, "job run not claimable, ignoring delivery",
		"job_run_id", msg.JobRunID,
		"job_name", msg.JobName,
	)
	d.events.Warn(ctx, msg.JobRunID, "duplicate delivery ignored", nil)
}

func (d *Dispatcher) execute(ctx context.Context, run *model.JobRun) error {
	// Store writes must survive worker shutdown so the run is left consistent.
	book := context.WithoutCancel(ctx)

	if run.Attempts == 0 {
		d.events.Info(ctx, run.ID, fmt.Sprintf("starting %s", run.JobName),
			map[string]any{"payload": json.RawMessage(run.Payload)})
	} else {
		d.events.Info(ctx, run.ID, fmt.Sprintf("resuming %s", run.JobName),
			map[string]any{"payload": json.RawMessage(run.Payload), "attempts": run.Attempts})
	}

	fn, resolveErr := d.registry.Resolve(run.Target)
	lastErr := ""
	if run.Attempts >= run.MaxRetries {
		// Taken over after the final attempt was interrupted.
		lastErr = "final attempt was interrupted before it finished"
	}

	for attempt := run.Attempts + 1; attempt <= run.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return d.interrupt(book, run, attempt-1)
		}
		if err := d.recordAttempt(book, run.ID, attempt); err != nil {
			return err
		}

		attemptErr := resolveErr
		timedOut := false
		started := time.Now()
		if attemptErr == nil {
			timedOut, attemptErr = d.runAttempt(ctx, fn, run, attempt)
		}
		elapsed := time.Since(started)

		if attemptErr == nil {
			return d.complete(book, run, attempt, elapsed)
		}

		if ctx.Err() != nil && !timedOut {
			d.events.Error(book, run.ID, fmt.Sprintf("%s interrupted on attempt %d", run.JobName, attempt),
				map[string]any{"error": attemptErr.Error(), "attempt": attempt})
			return d.interrupt(book, run, attempt)
		}

		lastErr = attemptErr.Error()
		d.attemptFailed(book, run, attempt, attemptErr, timedOut, elapsed)

		if attempt < run.MaxRetries {
			delay := d.backoff.Delay(attempt)
			d.events.Info(book, run.ID,
				fmt.Sprintf("retrying %s (attempt %d/%d)", run.JobName, attempt+1, run.MaxRetries),
				map[string]any{"delay_ms": delay.Milliseconds()})
			if err := d.sleep(ctx, delay); err != nil {
				return d.interrupt(book, run, attempt)
			}
		}
	}

	return d.fail(book, run, lastErr)
}

func (d *Dispatcher) runContext(run *model.JobRun, attempt int, events domainjob.EventRecorder) domainjob.RunContext {
	return domainjob.RunContext{
		JobRunID:   run.ID,
		JobName:    run.JobName,
		Target:     run.Target,
		Payload:    run.Payload,
		Attempt:    attempt,
		MaxRetries: run.MaxRetries,
		Events:     events,
	}
}

// runAttempt calls fn under the per-attempt deadline. Once the deadline passes or ctx
// ends, the target gets AttemptGrace to return before it is abandoned; events it records
// after runAttempt returns are dropped.
func (d *Dispatcher) runAttempt(ctx context.Context, fn domainjob.Func, run *model.JobRun, attempt int) (bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	events := &attemptEvents{next: d.events.ForRun(run.ID)}
	defer events.close()
	rc := d.runContext(run, attempt, events)

	done := make(chan error, 1)
	go func() {
		done <- callTarget(attemptCtx, fn, rc)
	}()

	var err error
	select {
	case err = <-done:
	case <-attemptCtx.Done():
		err = attemptCtx.Err()
		d.awaitAbandoned(ctx, run, attempt, done)
	}
	if err == nil {
		return false, nil
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return true, fmt.Errorf("attempt timed out after %s: %w", d.cfg.AttemptTimeout, err)
	}
	return false, err
}

// awaitAbandoned keeps the next attempt from overlapping a target that has not yet
// observed its cancelled context.
func (d *Dispatcher) awaitAbandoned(ctx context.Context, run *model.JobRun, attempt int, done <-chan error) {
	grace := time.NewTimer(d.cfg.AttemptGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		d.logger.WarnContext(ctx, "target ignored cancellation, abandoning attempt",
			"job_run_id", run.ID,
			"job_name", run.JobName,
			"attempt", attempt,
			"grace", d.cfg.AttemptGrace,
		)
	}
}

func callTarget(ctx context.Context, fn domainjob.Func, rc domainjob.RunContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx, rc)
}

func (d *Dispatcher) recordAttempt(ctx context.Context, runID string, attempt int) error {
	ctx, cancel := context.WithTimeout(ctx, bookkeepingTimeout)
	defer cancel()
	if err := d.repo.RecordAttempt(ctx, core.AttemptParams{ID: runID, Attempts: attempt, Lease: d.cfg.Lease}); err != nil {
		return fmt.Errorf("record attempt %d of %s: %w", attempt, runID, err)
	}
	return nil
}

func (d *Dispatcher) attemptFailed(ctx context.Context, run *model.JobRun, attempt int, err error, timedOut bool, elapsed time.Duration) {
	meta := map[string]any{"error": err.Error(), "attempt": attempt}
	if timedOut {
		meta["timeout"] = true
	}
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		meta["stack"] = string(panicErr.Stack)
	}
	d.events.Error(ctx, run.ID, fmt.Sprintf("%s failed on attempt %d", run.JobName, attempt), meta)
	d.metrics.JobTransition(metrics.JobMetric{
		JobName:    run.JobName,
		Transition: metrics.TransitionAttempt,
		Result:     metrics.ResultError,
		Duration:   elapsed,
		Err:        err,
	})
	d.logger.WarnContext(ctx, "job attempt failed",
		"job_run_id", run.ID,
		"job_name", run.JobName,
		"attempt", attempt,
		"max_retries", run.MaxRetries,
		"timeout", timedOut,
		"error", err,
	)
}

func (d *Dispatcher) complete(ctx context.Context, run *model.JobRun, attempt int, elapsed time.Duration) error {
	writeCtx, cancel := context.WithTimeout(ctx, bookkeepingTimeout)
	defer cancel()
	if err := d.repo.Complete(writeCtx, core.CompleteParams{ID: run.ID, Attempts: attempt}); err != nil {
		return fmt.Errorf("complete job run %s: %w", run.ID, err)
	}
	d.events.Info(ctx, run.ID, fmt.Sprintf("%s completed successfully", run.JobName), map[string]any{"attempts": attempt})
	d.metrics.JobTransition(metrics.JobMetric{
		JobName:    run.JobName,
		Transition: metrics.TransitionComplete,
		Result:     metrics.ResultSuccess,
		Duration:   elapsed,
	})
	d.logger.InfoContext(ctx, "job run succeeded", "job_run_id", run.ID, "job_name", run.JobName, "attempts", attempt)
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, run *model.JobRun, lastErr string) error {
	writeCtx, cancel := context.WithTimeout(ctx, bookkeepingTimeout)
	defer cancel()
	if err := d.repo.Fail(writeCtx, core.FailParams{ID: run.ID, Attempts: run.MaxRetries, LastError: lastErr}); err != nil {
		return fmt.Errorf("fail job run %s: %w", run.ID, err)
	}
	d.events.Error(ctx, run.ID, fmt.Sprintf("%s failed after %d attempts", run.JobName, run.MaxRetries),
		map[string]any{"error": lastErr})
	d.metrics.JobTransition(metrics.JobMetric{
		JobName:    run.JobName,
		Transition: metrics.TransitionFail,
		Result:     metrics.ResultError,
		Err:        errors.New(lastErr),
	})
	d.logger.ErrorContext(ctx, "job run failed",
		"job_run_id", run.ID,
		"job_name", run.JobName,
		"attempts", run.MaxRetries,
		"error", lastErr,
	)
	return nil
}

func (d *Dispatcher) interrupt(ctx context.Context, run *model.JobRun, attempts int) error {
	writeCtx, cancel := context.WithTimeout(ctx, bookkeepingTimeout)
	defer cancel()
	if err := d.repo.Release(writeCtx, run.ID); err != nil {
		d.logger.ErrorContext(ctx, "failed to release interrupted job run", "job_run_id", run.ID, "error", err)
	}
	d.events.Warn(ctx, run.ID, fmt.Sprintf("%s interrupted; released for redelivery", run.JobName),
		map[string]any{"attempts": attempts})
	d.metrics.JobTransition(metrics.JobMetric{JobName: run.JobName, Transition: metrics.TransitionInterrupt, Result: metrics.ResultNoop})
	return ErrInterrupted
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
