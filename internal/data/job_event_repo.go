package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/target/mmk-jobs/internal/core"
	"github.com/target/mmk-jobs/internal/data/pgxutil"
	"github.com/target/mmk-jobs/internal/domain/model"
)

// JobEventRepo provides append-only storage for job events.
type JobEventRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

var _ core.JobEventRepository = (*JobEventRepo)(nil)

// NewJobEventRepo creates a new JobEventRepo.
func NewJobEventRepo(db *sql.DB, cfg RepoConfig) *JobEventRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &JobEventRepo{DB: db, timeProvider: tp}
}

const jobEventColumns = `id, job_run_id, level, message, meta, created_at`

// Append writes one event. Events referencing an unknown run fail with ErrJobRunNotFound.
func (r *JobEventRepo) Append(ctx context.Context, req model.AppendEventRequest) (*model.JobEvent, error) {
	if strings.TrimSpace(req.JobRunID) == "" {
		return nil, ErrJobRunIDRequired
	}
	if !req.Level.Valid() {
		return nil, fmt.Errorf("invalid event level %q", req.Level)
	}

	meta := []byte(`{}`)
	if len(req.Meta) > 0 {
		var err error
		meta, err = json.Marshal(req.Meta)
		if err != nil {
			return nil, fmt.Errorf("marshal event meta: %w", err)
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate job event id: %w", err)
	}

	ev := &model.JobEvent{}
	var rawMeta []byte
	err = r.DB.QueryRowContext(ctx, `
		INSERT INTO job_events (id, job_run_id, level, message, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+jobEventColumns,
		id.String(), req.JobRunID, string(req.Level), req.Message, meta, r.timeProvider.Now(),
	).Scan(&ev.ID, &ev.JobRunID, &ev.Level, &ev.Message, &rawMeta, &ev.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) || isInvalidTextRepresentation(err) {
			return nil, ErrJobRunNotFound
		}
		return nil, fmt.Errorf("insert job event: %w", err)
	}
	ev.Meta = cloneJSON(rawMeta)
	ev.CreatedAt = ev.CreatedAt.UTC()
	return ev, nil
}

// ListByRun returns a run's events in append order.
func (r *JobEventRepo) ListByRun(ctx context.Context, jobRunID string) ([]*model.JobEvent, error) {
	if strings.TrimSpace(jobRunID) == "" {
		return nil, ErrJobRunIDRequired
	}

	var result []*model.JobEvent
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT `+jobEventColumns+`
			FROM job_events
			WHERE job_run_id = $1
			ORDER BY created_at ASC, id ASC
		`, jobRunID)
		if err != nil {
			return err
		}
		result, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.JobEvent])
		return err
	})
	if isInvalidTextRepresentation(err) {
		return nil, ErrJobRunNotFound
	}
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("list job events: %w", err)
	}

	for _, ev := range result {
		ev.CreatedAt = ev.CreatedAt.UTC()
		if len(ev.Meta) == 0 {
			ev.Meta = json.RawMessage(`{}`)
		}
	}
	if result == nil {
		result = []*model.JobEvent{}
	}
	return result, nil
}
