package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/target/mmk-jobs/internal/core"
	"github.com/target/mmk-jobs/internal/data/pgxutil"
	"github.com/target/mmk-jobs/internal/domain/model"
)

// RepoConfig holds configuration options for the job run and event repositories.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// JobRunRepo provides database operations for job runs.
type JobRunRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

var _ core.JobRunRepository = (*JobRunRepo)(nil)

// NewJobRunRepo creates a new JobRunRepo instance with the given database connection and configuration.
func NewJobRunRepo(db *sql.DB, cfg RepoConfig) *JobRunRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}

	return &JobRunRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const jobRunColumns = `
  id,
  job_name,
  target,
  payload,
  status,
  attempts,
  max_retries,
  started_at,
  finished_at,
  last_error,
  created_at,
  updated_at,
  lease_expires_at
`

// Create records a new run in queued state with zero attempts.
func (r *JobRunRepo) Create(ctx context.Context, req *model.EnqueueRequest) (*model.JobRun, error) {
	if req == nil {
		return nil, errors.New("enqueue request is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate job run id: %w", err)
	}
	now := r.timeProvider.Now()

	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO job_runs (id, job_name, target, payload, status, attempts, max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $6)
		RETURNING `+jobRunColumns,
		id.String(), req.JobName, req.Target, []byte(req.Payload), req.MaxRetries, now,
	)

	run, err := scanJobRunFromRow(row)
	if err != nil {
		return nil, fmt.Errorf("insert job run: %w", err)
	}
	return run, nil
}

// Claim moves a queued run to running, or takes over a running run whose lease lapsed.
// It returns false when the run exists but is not claimable (terminal, or leased elsewhere).
func (r *JobRunRepo) Claim(ctx context.Context, params core.ClaimParams) (*model.JobRun, bool, error) {
	if params.ID == "" {
		return nil, false, ErrJobRunIDRequired
	}
	now := r.timeProvider.Now()

	row := r.DB.QueryRowContext(ctx, `
		UPDATE job_runs
		SET status = 'running',
		    started_at = COALESCE(started_at, $2),
		    lease_expires_at = $3,
		    updated_at = $2
		WHERE id = $1
		  AND (status = 'queued' OR (status = 'running' AND (lease_expires_at IS NULL OR lease_expires_at <= $2)))
		RETURNING `+jobRunColumns,
		params.ID, now, now.Add(params.Lease),
	)

	run, err := scanJobRunFromRow(row)
	if err == nil {
		return run, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) && !isInvalidTextRepresentation(err) {
		return nil, false, fmt.Errorf("claim job run: %w", err)
	}

	// Distinguish "not claimable" from "does not exist".
	if _, getErr := r.GetByID(ctx, params.ID); getErr != nil {
		return nil, false, getErr
	}
	return nil, false, nil
}

// RecordAttempt stores the attempt counter and renews the lease of a running run.
func (r *JobRunRepo) RecordAttempt(ctx context.Context, params core.AttemptParams) error {
	now := r.timeProvider.Now()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE job_runs
		SET attempts = $2,
		    lease_expires_at = $3,
		    updated_at = $4
		WHERE id = $1 AND status = 'running' AND $2 <= max_retries
	`, params.ID, params.Attempts, now.Add(params.Lease), now)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return requireOneRow(res, "record attempt")
}

// Release expires the lease of a running run so another delivery can take it over immediately.
func (r *JobRunRepo) Release(ctx context.Context, id string) error {
	now := r.timeProvider.Now()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE job_runs
		SET lease_expires_at = $2,
		    updated_at = $2
		WHERE id = $1 AND status = 'running'
	`, id, now)
	if err != nil {
		return fmt.Errorf("release job run: %w", err)
	}
	return requireOneRow(res, "release job run")
}

// Complete transitions a running run to success and clears last_error.
func (r *JobRunRepo) Complete(ctx context.Context, params core.CompleteParams) error {
	now := r.timeProvider.Now()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE job_runs
		SET status = 'success',
		    attempts = $2,
		    finished_at = $3,
		    updated_at = $3,
		    lease_expires_at = NULL,
		    last_error = NULL
		WHERE id = $1 AND status = 'running'
	`, params.ID, params.Attempts, now)
	if err != nil {
		if isTransitionRejected(err) {
			return fmt.Errorf("%w: %w", ErrInvalidTransition, err)
		}
		return fmt.Errorf("complete job run: %w", err)
	}
	return requireOneRow(res, "complete job run")
}

// Fail transitions a running run to failed with the final error detail.
func (r *JobRunRepo) Fail(ctx context.Context, params core.FailParams) error {
	now := r.timeProvider.Now()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE job_runs
		SET status = 'failed',
		    attempts = $2,
		    finished_at = $3,
		    updated_at = $3,
		    lease_expires_at = NULL,
		    last_error = $4
		WHERE id = $1 AND status = 'running'
	`, params.ID, params.Attempts, now, params.LastError)
	if err != nil {
		if isTransitionRejected(err) {
			return fmt.Errorf("%w: %w", ErrInvalidTransition, err)
		}
		return fmt.Errorf("fail job run: %w", err)
	}
	return requireOneRow(res, "fail job run")
}

// GetByID retrieves a job run by id.
func (r *JobRunRepo) GetByID(ctx context.Context, id string) (*model.JobRun, error) {
	if id == "" {
		return nil, ErrJobRunIDRequired
	}

	var run *model.JobRun
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+jobRunColumns+` FROM job_runs WHERE id = $1`, id)
		if err != nil {
			return err
		}
		run, err = pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[model.JobRun])
		return err
	})

	if errors.Is(err, pgx.ErrNoRows) || isInvalidTextRepresentation(err) {
		return nil, ErrJobRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job run: %w", err)
	}
	normalizeJobRun(run)
	return run, nil
}

func requireOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrInvalidTransition)
	}
	return nil
}

type jobRunRowScanner interface {
	Scan(dest ...any) error
}

type jobRunRowData struct {
	payload                           []byte
	lastError                         sql.NullString
	startedAt, finishedAt, leaseUntil sql.NullTime
}

func scanJobRunFromRow(scanner jobRunRowScanner) (*model.JobRun, error) {
	run := &model.JobRun{}
	var d jobRunRowData
	if err := scanner.Scan(
		&run.ID,
		&run.JobName,
		&run.Target,
		&d.payload,
		&run.Status,
		&run.Attempts,
		&run.MaxRetries,
		&d.startedAt,
		&d.finishedAt,
		&d.lastError,
		&run.CreatedAt,
		&run.UpdatedAt,
		&d.leaseUntil,
	); err != nil {
		return nil, err
	}

	run.Payload = cloneJSON(d.payload)
	run.LastError = cloneNullableString(d.lastError)
	run.StartedAt = cloneNullableTime(d.startedAt)
	run.FinishedAt = cloneNullableTime(d.finishedAt)
	run.LeaseExpiresAt = cloneNullableTime(d.leaseUntil)
	normalizeJobRun(run)
	return run, nil
}

// normalizeJobRun brings rows collected through pgx and database/sql to the same shape.
func normalizeJobRun(run *model.JobRun) {
	if run == nil {
		return
	}
	if len(run.Payload) == 0 {
		run.Payload = json.RawMessage(`{}`)
	}
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	run.StartedAt = utcPtr(run.StartedAt)
	run.FinishedAt = utcPtr(run.FinishedAt)
	run.LeaseExpiresAt = utcPtr(run.LeaseExpiresAt)
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
