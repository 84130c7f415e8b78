package model

import (
	"encoding/json"
	"time"
)

// EventLevel is the severity of a job event.
type EventLevel string

const (
	// EventLevelInfo marks progress entries.
	EventLevelInfo EventLevel = "info"
	// EventLevelWarn marks recoverable anomalies such as duplicate deliveries.
	EventLevelWarn EventLevel = "warn"
	// EventLevelError marks attempt and run failures.
	EventLevelError EventLevel = "error"
)

// Valid returns true if the level is known.
func (l EventLevel) Valid() bool {
	return l == EventLevelInfo || l == EventLevelWarn || l == EventLevelError
}

// JobEvent is an append-only diagnostic entry owned by a job run.
type JobEvent struct {
	ID        string          `json:"id"             db:"id"`
	JobRunID  string          `json:"job_run_id"     db:"job_run_id"`
	Level     EventLevel      `json:"level"          db:"level"`
	Message   string          `json:"message"        db:"message"`
	Meta      json.RawMessage `json:"meta,omitempty" db:"meta"`
	CreatedAt time.Time       `json:"created_at"     db:"created_at"`
}

// AppendEventRequest is the input for writing one event.
type AppendEventRequest struct {
	JobRunID string
	Level    EventLevel
	Message  string
	Meta     map[string]any
}
