package httpx

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/target/mmk-jobs/internal/core"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Producer JobRunEnqueuer
	Runs     core.JobRunRepository
	Events   core.JobEventRepository
	// Ping backs GET /healthz; nil reports healthy without a store check.
	Ping func(ctx context.Context) error

	// AdminToken guards the /job-runs routes when non-empty.
	AdminToken string
	// Metrics is served at GET /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

// NewRouter creates and configures a new HTTP router.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	jobRunHandlers := &JobRunHandlers{
		Producer: services.Producer,
		Runs:     services.Runs,
		Events:   services.Events,
		Logger:   services.Logger,
	}

	registerJobRunRoutes(mux, jobRunHandlers, RequireBearerToken(services.AdminToken))
	health := healthHandler(services.Ping, services.Logger)
	mux.Handle("GET /healthz", health)
	mux.Handle("HEAD /healthz", health)
	if services.Metrics != nil {
		mux.Handle("GET /metrics", services.Metrics)
	}

	return mux
}

func registerJobRunRoutes(mux *http.ServeMux, h *JobRunHandlers, guard func(http.Handler) http.Handler) {
	mux.Handle("GET /job-runs", guard(http.HandlerFunc(h.ListJobRuns)))
	mux.Handle("POST /job-runs", guard(http.HandlerFunc(h.EnqueueJobRun)))
	mux.Handle("GET /job-runs/stats", guard(http.HandlerFunc(h.Stats)))
	mux.Handle("GET /job-runs/{id}", guard(http.HandlerFunc(h.GetJobRun)))
	mux.Handle("POST /job-runs/{id}/rerun", guard(http.HandlerFunc(h.RerunJobRun)))
}
