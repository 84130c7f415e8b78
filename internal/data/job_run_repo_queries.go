package data

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/target/mmk-jobs/internal/core"
	"github.com/target/mmk-jobs/internal/data/pgxutil"
	"github.com/target/mmk-jobs/internal/domain/model"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

type jobRunFilterQueryBuilder struct {
	query  string
	args   []any
	argIdx int
}

func (b *jobRunFilterQueryBuilder) addFilter(condition string, value any) {
	if value != nil {
		b.query += fmt.Sprintf(" AND %s = $%d", condition, b.argIdx)
		b.args = append(b.args, value)
		b.argIdx++
	}
}

func buildJobRunListQuery(opts model.JobRunListOptions) (string, []any) {
	builder := &jobRunFilterQueryBuilder{
		query:  `SELECT ` + jobRunColumns + ` FROM job_runs WHERE 1=1`,
		args:   []any{},
		argIdx: 1,
	}

	if opts.Status != nil && *opts.Status != "" {
		builder.addFilter("status", string(*opts.Status))
	}
	if opts.JobName != nil && *opts.JobName != "" {
		builder.addFilter("job_name", *opts.JobName)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := max(opts.Offset, 0)

	builder.query += fmt.Sprintf(`
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, builder.argIdx, builder.argIdx+1)
	builder.args = append(builder.args, limit, offset)

	return builder.query, builder.args
}

// List returns job runs newest first with optional status and job name filters.
func (r *JobRunRepo) List(ctx context.Context, opts model.JobRunListOptions) ([]*model.JobRun, error) {
	if opts.Status != nil && !opts.Status.Valid() {
		return nil, fmt.Errorf("invalid status filter %q", *opts.Status)
	}

	query, args := buildJobRunListQuery(opts)
	return r.collectRuns(ctx, query, args)
}

// Stats counts job runs per status.
func (r *JobRunRepo) Stats(ctx context.Context) (*model.JobRunStats, error) {
	var s model.JobRunStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'queued')  AS queued,
    count(*) FILTER (WHERE status = 'running') AS running,
    count(*) FILTER (WHERE status = 'success') AS success,
    count(*) FILTER (WHERE status = 'failed')  AS failed
  FROM job_runs
  `).Scan(
		&s.Queued,
		&s.Running,
		&s.Success,
		&s.Failed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get job run stats: %w", err)
	}
	return &s, nil
}

// ListStale returns runs that nobody is working on and that have not been touched for
// longer than OlderThan, oldest first: queued runs whose message may have been lost, and
// running runs whose lease lapsed because the worker holding them died after Claim.
func (r *JobRunRepo) ListStale(ctx context.Context, params core.StaleRunsParams) ([]*model.JobRun, error) {
	if params.OlderThan <= 0 {
		return nil, errors.New("older than must be positive")
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	now := r.timeProvider.Now()
	cutoff := now.Add(-params.OlderThan)

	query := `
		SELECT ` + jobRunColumns + `
		FROM job_runs
		WHERE updated_at < $1
		  AND (status = 'queued'
		       OR (status = 'running' AND (lease_expires_at IS NULL OR lease_expires_at <= $2)))
		ORDER BY updated_at ASC, id ASC
		LIMIT $3`
	return r.collectRuns(ctx, query, []any{cutoff, now, limit})
}

// TouchStale bumps updated_at of a stale run after it was republished.
// Returns false when the run was finished or claimed again in the meantime.
func (r *JobRunRepo) TouchStale(ctx context.Context, id string) (bool, error) {
	now := r.timeProvider.Now()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE job_runs SET updated_at = $2
		WHERE id = $1
		  AND (status = 'queued'
		       OR (status = 'running' AND (lease_expires_at IS NULL OR lease_expires_at <= $2)))
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("touch stale job run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("touch stale rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *JobRunRepo) collectRuns(ctx context.Context, query string, args []any) ([]*model.JobRun, error) {
	var result []*model.JobRun
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query job runs: %w", err)
		}
		defer rows.Close()

		vals, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.JobRun])
		if err != nil {
			return fmt.Errorf("collect job runs: %w", err)
		}

		result = vals
		return nil
	}); err != nil {
		return nil, err
	}

	for _, run := range result {
		normalizeJobRun(run)
	}
	if result == nil {
		result = []*model.JobRun{}
	}
	return result, nil
}
