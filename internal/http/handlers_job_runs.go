// Package httpx provides the admin HTTP API for inspecting and re-running job runs.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/target/mmk-jobs/internal/core"
	"github.com/target/mmk-jobs/internal/data"
	domainjob "github.com/target/mmk-jobs/internal/domain/job"
	"github.com/target/mmk-jobs/internal/domain/model"
	"github.com/target/mmk-jobs/internal/service"
)

// JobRunEnqueuer is the producer surface used by the admin API.
type JobRunEnqueuer interface {
	Enqueue(ctx context.Context, req model.EnqueueRequest) (*model.EnqueueResult, error)
	Rerun(ctx context.Context, runID string) (*model.EnqueueResult, error)
}

// JobRunHandlers provides HTTP handlers for job run operations.
type JobRunHandlers struct {
	Producer JobRunEnqueuer
	Runs     core.JobRunRepository
	Events   core.JobEventRepository
	Logger   *slog.Logger
}

type listJobRunsResponse struct {
	JobRuns []*model.JobRun `json:"job_runs"`
	Count   int             `json:"count"`
}

// enqueueRequest distinguishes an omitted max_retries, which takes the default,
// from an explicit value that must satisfy the retry budget.
type enqueueRequest struct {
	JobName    string          `json:"job_name"`
	Target     string          `json:"target"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	MaxRetries *int            `json:"max_retries,omitempty"`
}

func (r enqueueRequest) toModel() (model.EnqueueRequest, error) {
	req := model.EnqueueRequest{JobName: r.JobName, Target: r.Target, Payload: r.Payload}
	if r.MaxRetries != nil {
		if *r.MaxRetries < 1 {
			return req, fmt.Errorf("%w: max_retries must be between 1 and %d",
				service.ErrInvalidEnqueueRequest, model.MaxAllowedRetries)
		}
		req.MaxRetries = *r.MaxRetries
	}
	return req, nil
}

type enqueueResponse struct {
	JobRunID         string             `json:"job_run_id"`
	Status           model.JobRunStatus `json:"status"`
	OriginalJobRunID string             `json:"original_job_run_id,omitempty"`
	Warning          string             `json:"warning,omitempty"`
}

// publishWarning is reported when a run was recorded but the broker refused it.
const publishWarning = "job run recorded but not published; it will be republished by the requeue reaper"

// ListJobRuns handles GET /job-runs?limit&offset&status&job_name.
func (h *JobRunHandlers) ListJobRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := ParseLimitOffset(r, defaultListLimit, maxListLimit)
	opts := model.JobRunListOptions{Limit: limit, Offset: offset}

	q := r.URL.Query()
	if raw := q.Get("status"); raw != "" {
		var status model.JobRunStatus
		if err := status.UnmarshalText([]byte(raw)); err != nil {
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_status", Err: err})
			return
		}
		opts.Status = &status
	}
	if name := q.Get("job_name"); name != "" {
		opts.JobName = &name
	}

	runs, err := h.Runs.List(r.Context(), opts)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*model.JobRun{}
	}
	WriteJSON(w, http.StatusOK, listJobRunsResponse{JobRuns: runs, Count: len(runs)})
}

// GetJobRun handles GET /job-runs/{id}, returning the run with its events oldest first.
func (h *JobRunHandlers) GetJobRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	run, err := h.Runs.GetByID(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	events, err := h.Events.ListByRun(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []*model.JobEvent{}
	}
	WriteJSON(w, http.StatusOK, model.JobRunDetail{Run: run, Events: events})
}

// RerunJobRun handles POST /job-runs/{id}/rerun.
func (h *JobRunHandlers) RerunJobRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	res, err := h.Producer.Rerun(r.Context(), id)
	resp, ok := h.enqueueOutcome(w, r, res, err)
	if !ok {
		return
	}
	resp.OriginalJobRunID = id
	WriteJSON(w, http.StatusAccepted, resp)
}

// EnqueueJobRun handles POST /job-runs.
func (h *JobRunHandlers) EnqueueJobRun(w http.ResponseWriter, r *http.Request) {
	var body enqueueRequest
	if !DecodeJSON(w, r, &body) {
		return
	}
	req, err := body.toModel()
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	res, err := h.Producer.Enqueue(r.Context(), req)
	resp, ok := h.enqueueOutcome(w, r, res, err)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusAccepted, resp)
}

// Stats handles GET /job-runs/stats.
func (h *JobRunHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Runs.Stats(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// enqueueOutcome turns a producer result into a response body. A publish failure still
// yields a body because the run exists and stays queued.
func (h *JobRunHandlers) enqueueOutcome(
	w http.ResponseWriter,
	r *http.Request,
	res *model.EnqueueResult,
	err error,
) (*enqueueResponse, bool) {
	var pubErr *service.PublishError
	switch {
	case err == nil:
		return &enqueueResponse{JobRunID: res.JobRunID, Status: res.Status}, true
	case errors.As(err, &pubErr):
		h.logger().WarnContext(r.Context(), "job run accepted without publish",
			"job_run_id", pubErr.JobRunID,
			"error", pubErr.Err,
		)
		return &enqueueResponse{
			JobRunID: pubErr.JobRunID,
			Status:   model.JobRunStatusQueued,
			Warning:  publishWarning,
		}, true
	default:
		h.writeServiceError(w, r, err)
		return nil, false
	}
}

func (h *JobRunHandlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, data.ErrJobRunNotFound):
		WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "not_found", Err: data.ErrJobRunNotFound})
	case errors.Is(err, service.ErrRunNotTerminal):
		WriteError(w, ErrorParams{Code: http.StatusConflict, ErrCode: "not_terminal", Err: err})
	case errors.Is(err, service.ErrInvalidEnqueueRequest):
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_request", Err: err})
	case errors.Is(err, domainjob.ErrUnknownTarget), errors.Is(err, domainjob.ErrTargetRequired):
		WriteError(w, ErrorParams{Code: http.StatusUnprocessableEntity, ErrCode: "unknown_target", Err: err})
	default:
		h.logger().ErrorContext(r.Context(), "job run request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		WriteError(w, ErrorParams{
			Code:    http.StatusInternalServerError,
			ErrCode: "internal_error",
			Err:     errors.New(http.StatusText(http.StatusInternalServerError)),
		})
	}
}

func (h *JobRunHandlers) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if id == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: data.ErrJobRunIDRequired},
		)
		return "", false
	}
	return id, true
}
