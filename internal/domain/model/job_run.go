// Package model defines the core data types shared by the job run store, producer, dispatcher, and admin API.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobRunStatus represents the lifecycle state of a job run.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobRunStatus string

const (
	// JobRunStatusQueued indicates the run was recorded and published but not yet picked up.
	JobRunStatusQueued JobRunStatus = "queued"
	// JobRunStatusRunning indicates a dispatcher owns the run and is executing attempts.
	JobRunStatusRunning JobRunStatus = "running"
	// JobRunStatusSuccess indicates an attempt returned without error.
	JobRunStatusSuccess JobRunStatus = "success"
	// JobRunStatusFailed indicates every allowed attempt failed.
	JobRunStatusFailed JobRunStatus = "failed"
)

const (
	// DefaultMaxRetries is used when an enqueue request leaves MaxRetries unset.
	DefaultMaxRetries = 3
	// MaxAllowedRetries bounds MaxRetries on enqueue.
	MaxAllowedRetries = 25
	// MaxJobNameLength bounds JobName on enqueue.
	MaxJobNameLength = 200
)

// AllJobRunStatuses lists statuses in lifecycle order.
func AllJobRunStatuses() []JobRunStatus {
	return []JobRunStatus{JobRunStatusQueued, JobRunStatusRunning, JobRunStatusSuccess, JobRunStatusFailed}
}

// Valid returns true if the status is one of the known states.
func (s JobRunStatus) Valid() bool {
	switch s {
	case JobRunStatusQueued, JobRunStatusRunning, JobRunStatusSuccess, JobRunStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func (s JobRunStatus) IsTerminal() bool {
	return s == JobRunStatusSuccess || s == JobRunStatusFailed
}

// CanTransition reports whether moving from s to next follows queued -> running -> {success, failed}.
// running -> running is allowed for a takeover of an abandoned run.
func (s JobRunStatus) CanTransition(next JobRunStatus) bool {
	switch s {
	case JobRunStatusQueued:
		return next == JobRunStatusRunning
	case JobRunStatusRunning:
		return next == JobRunStatusRunning || next.IsTerminal()
	}
	return false
}

// UnmarshalText implements encoding.TextUnmarshaler so statuses can be parsed from query strings and env.
func (s *JobRunStatus) UnmarshalText(text []byte) error {
	v := JobRunStatus(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid JobRunStatus: %q", v)
	}
	*s = v
	return nil
}

// JobRun is one execution record of a named unit of work.
type JobRun struct {
	ID         string          `json:"id"                    db:"id"`
	JobName    string          `json:"job_name"              db:"job_name"`
	Target     string          `json:"target"                db:"target"`
	Payload    json.RawMessage `json:"payload"               db:"payload"`
	Status     JobRunStatus    `json:"status"                db:"status"`
	Attempts   int             `json:"attempts"              db:"attempts"`
	MaxRetries int             `json:"max_retries"           db:"max_retries"`
	StartedAt  *time.Time      `json:"started_at,omitempty"  db:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
	LastError  *string         `json:"last_error,omitempty"  db:"last_error"`
	CreatedAt  time.Time       `json:"created_at"            db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"            db:"updated_at"`

	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
}

// CheckInvariants reports the first violated run invariant, or nil.
func (r *JobRun) CheckInvariants() error {
	if r == nil {
		return errors.New("nil job run")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("invalid status %q", r.Status)
	}
	if r.Attempts < 0 || r.Attempts > r.MaxRetries {
		return fmt.Errorf("attempts %d outside [0, %d]", r.Attempts, r.MaxRetries)
	}
	if r.Status == JobRunStatusFailed && r.Attempts != r.MaxRetries {
		return fmt.Errorf("failed run has attempts %d, want %d", r.Attempts, r.MaxRetries)
	}
	if (r.FinishedAt != nil) != r.Status.IsTerminal() {
		return fmt.Errorf("finished_at presence does not match status %q", r.Status)
	}
	if r.LastError != nil && r.Status != JobRunStatusFailed {
		return fmt.Errorf("last_error set on %q run", r.Status)
	}
	if r.Status == JobRunStatusFailed && r.LastError == nil {
		return errors.New("failed run has no last_error")
	}
	return nil
}

// EnqueueRequest is the producer entry point input.
type EnqueueRequest struct {
	JobName    string          `json:"job_name"`
	Target     string          `json:"target"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	MaxRetries int             `json:"max_retries,omitempty"`
}

// Normalize fills defaults in place.
func (r *EnqueueRequest) Normalize() {
	r.JobName = strings.TrimSpace(r.JobName)
	r.Target = strings.TrimSpace(r.Target)
	if len(r.Payload) == 0 || string(r.Payload) == "null" {
		r.Payload = json.RawMessage(`{}`)
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = DefaultMaxRetries
	}
}

// Validate validates the EnqueueRequest fields. Call Normalize first.
func (r *EnqueueRequest) Validate() error {
	if r.JobName == "" {
		return errors.New("job_name is required")
	}
	if len(r.JobName) > MaxJobNameLength {
		return fmt.Errorf("job_name must be at most %d characters", MaxJobNameLength)
	}
	if r.Target == "" {
		return errors.New("target is required")
	}
	if r.MaxRetries < 1 || r.MaxRetries > MaxAllowedRetries {
		return fmt.Errorf("max_retries must be between 1 and %d", MaxAllowedRetries)
	}
	if !json.Valid(r.Payload) {
		return errors.New("payload must be valid JSON")
	}
	return nil
}

// EnqueueResult is returned to enqueue callers.
type EnqueueResult struct {
	JobRunID string       `json:"job_run_id"`
	Status   JobRunStatus `json:"status"`
}

// JobRunStats counts runs per status.
type JobRunStats struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}
