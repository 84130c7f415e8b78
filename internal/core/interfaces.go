package core

import (
	"context"
	"time"

	"github.com/target/mmk-jobs/internal/domain/model"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// These interfaces define the contracts between the service layer and data layer.
// Service implementations should depend on these interfaces, not concrete implementations.

// JobRunRepository defines the interface for job run data operations.
//
// Claim, RecordAttempt, Release, Complete, and Fail are the only writers of a run after
// creation; each is conditional on the run's current status so a stale or duplicate
// dispatcher cannot move a run backwards.
type JobRunRepository interface {
	Create(ctx context.Context, req *model.EnqueueRequest) (*model.JobRun, error)
	Claim(ctx context.Context, params ClaimParams) (*model.JobRun, bool, error)
	RecordAttempt(ctx context.Context, params AttemptParams) error
	Release(ctx context.Context, id string) error
	Complete(ctx context.Context, params CompleteParams) error
	Fail(ctx context.Context, params FailParams) error
	GetByID(ctx context.Context, id string) (*model.JobRun, error)
	List(ctx context.Context, opts model.JobRunListOptions) ([]*model.JobRun, error)
	Stats(ctx context.Context) (*model.JobRunStats, error)
	ListStale(ctx context.Context, params StaleRunsParams) ([]*model.JobRun, error)
	TouchStale(ctx context.Context, id string) (bool, error)
}

// JobEventRepository defines the interface for the append-only job event log.
type JobEventRepository interface {
	Append(ctx context.Context, req model.AppendEventRequest) (*model.JobEvent, error)
	ListByRun(ctx context.Context, jobRunID string) ([]*model.JobEvent, error)
}

// ClaimParams groups parameters for JobRunRepository.Claim.
type ClaimParams struct {
	ID    string
	Lease time.Duration
}

// AttemptParams groups parameters for JobRunRepository.RecordAttempt.
type AttemptParams struct {
	ID       string
	Attempts int
	Lease    time.Duration
}

// CompleteParams groups parameters for JobRunRepository.Complete.
type CompleteParams struct {
	ID       string
	Attempts int
}

// FailParams groups parameters for JobRunRepository.Fail.
type FailParams struct {
	ID        string
	Attempts  int
	LastError string
}

// StaleRunsParams groups parameters for JobRunRepository.ListStale.
type StaleRunsParams struct {
	OlderThan time.Duration
	Limit     int
}
