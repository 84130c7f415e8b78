package data

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// Shared sentinel errors for data-layer repositories.
var (
	// ErrJobRunNotFound is returned when a job run does not exist.
	ErrJobRunNotFound = errors.New("job run not found")
	// ErrJobRunIDRequired is returned when an operation is called without a run id.
	ErrJobRunIDRequired = errors.New("job_run_id is required")
	// ErrInvalidTransition is returned when a status update does not match the run's current state.
	ErrInvalidTransition = errors.New("invalid job run transition")
)

// pgErrorCode returns the SQLSTATE of a PostgreSQL error, or "".
func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isForeignKeyViolation(err error) bool {
	return pgErrorCode(err) == pgerrcode.ForeignKeyViolation
}

func isInvalidTextRepresentation(err error) bool {
	return pgErrorCode(err) == pgerrcode.InvalidTextRepresentation
}

// isTransitionRejected matches the job_runs transition trigger and check constraints.
func isTransitionRejected(err error) bool {
	switch pgErrorCode(err) {
	case pgerrcode.RaiseException, pgerrcode.CheckViolation:
		return true
	}
	return false
}
