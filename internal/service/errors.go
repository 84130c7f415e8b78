package service

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEnqueueRequest wraps validation failures of an enqueue request.
	ErrInvalidEnqueueRequest = errors.New("invalid enqueue request")
	// ErrPublishFailed is returned when a run was recorded but could not be handed to the broker.
	ErrPublishFailed = errors.New("publish job run failed")
	// ErrRunNotTerminal is returned when rerunning a run that has not finished.
	ErrRunNotTerminal = errors.New("job run is not in a terminal state")
	// ErrInterrupted is returned by the dispatcher when ctx was cancelled before the run finished.
	// The run stays running with its lease released so another delivery can resume it.
	ErrInterrupted = errors.New("job run dispatch interrupted")
	// ErrInvalidMessage is returned for broker messages without a job run id.
	ErrInvalidMessage = errors.New("invalid job message")
	// ErrSchedulerRunning is returned by CronScheduler.Start when already started.
	ErrSchedulerRunning = errors.New("cron scheduler already running")
	// ErrSchedulerNotRunning is returned by CronScheduler.Stop when not started.
	ErrSchedulerNotRunning = errors.New("cron scheduler not running")
)

// PublishError reports a run that was durably created but not published.
// The run stays queued until the requeue reaper republishes it.
type PublishError struct {
	JobRunID string
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish job run %s: %v", e.JobRunID, e.Err)
}

// Unwrap exposes both ErrPublishFailed and the broker error.
func (e *PublishError) Unwrap() []error {
	return []error{ErrPublishFailed, e.Err}
}

// PanicError is produced when a job target panics during an attempt.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("job panicked: %v", e.Value)
}

// ErrorClass labels panics in metrics.
func (e *PanicError) ErrorClass() string { return "panic" }
