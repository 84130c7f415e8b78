package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/target/mmk-jobs/internal/core"
	domainjob "github.com/target/mmk-jobs/internal/domain/job"
	"github.com/target/mmk-jobs/internal/domain/model"
)

const eventWriteTimeout = 5 * time.Second

// EventLoggerOptions groups dependencies for EventLogger.
type EventLoggerOptions struct {
	Repo   core.JobEventRepository // Required: append-only event store
	Logger *slog.Logger            // Optional: receives swallowed write failures
}

// EventLogger appends job events. Write failures never reach the caller;
// they are reported through the structured logger only.
type EventLogger struct {
	repo   core.JobEventRepository
	logger *slog.Logger
}

// NewEventLogger constructs a new EventLogger.
func NewEventLogger(opts EventLoggerOptions) (*EventLogger, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobEventRepository is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLogger{
		repo:   opts.Repo,
		logger: logger.With("component", "event_logger"),
	}, nil
}

// Log appends one event. Cancellation of ctx does not abort the write so that
// shutdown paths can still record why a run stopped.
func (l *EventLogger) Log(ctx context.Context, runID string, level model.EventLevel, message string, meta map[string]any) {
	if l == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventWriteTimeout)
	defer cancel()

	if _, err := l.repo.Append(writeCtx, model.AppendEventRequest{
		JobRunID: runID,
		Level:    level,
		Message:  message,
		Meta:     meta,
	}); err != nil {
		l.logger.ErrorContext(ctx, "failed to write job event",
			"job_run_id", runID,
			"level", level,
			"message", message,
			"error", err,
		)
	}
}

// Info appends an info event.
func (l *EventLogger) Info(ctx context.Context, runID, message string, meta map[string]any) {
	l.Log(ctx, runID, model.EventLevelInfo, message, meta)
}

// Warn appends a warn event.
func (l *EventLogger) Warn(ctx context.Context, runID, message string, meta map[string]any) {
	l.Log(ctx, runID, model.EventLevelWarn, message, meta)
}

// Error appends an error event.
func (l *EventLogger) Error(ctx context.Context, runID, message string, meta map[string]any) {
	l.Log(ctx, runID, model.EventLevelError, message, meta)
}

// ForRun returns a recorder bound to one run for use by job targets.
func (l *EventLogger) ForRun(runID string) domainjob.EventRecorder {
	return runEvents{logger: l, runID: runID}
}

type runEvents struct {
	logger *EventLogger
	runID  string
}

func (r runEvents) Record(ctx context.Context, level model.EventLevel, message string, meta map[string]any) {
	r.logger.Log(ctx, r.runID, level, message, meta)
}

// attemptEvents forwards target events until the attempt that owns it is over.
// Events recorded by a target that outlived its attempt are dropped so they cannot
// land after the events of later attempts or the terminal event.
type attemptEvents struct {
	mu     sync.RWMutex
	closed bool
	next   domainjob.EventRecorder
}

func (a *attemptEvents) Record(ctx context.Context, level model.EventLevel, message string, meta map[string]any) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	a.next.Record(ctx, level, message, meta)
}

// close waits for in-flight writes and drops everything after.
func (a *attemptEvents) close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
}
