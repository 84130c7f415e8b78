package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-jobs/config"
	"github.com/target/mmk-jobs/internal/core"
	domainjob "github.com/target/mmk-jobs/internal/domain/job"
	"github.com/target/mmk-jobs/internal/domain/model"
	"github.com/target/mmk-jobs/internal/mocks"
	"github.com/target/mmk-jobs/internal/mocks/memstore"
	"github.com/target/mmk-jobs/internal/service"
	"go.uber.org/mock/gomock"
)

type apiHarness struct {
	store      *memstore.Store
	broker     *memstore.Broker
	registry   *domainjob.Registry
	producer   *service.Producer
	dispatcher *service.Dispatcher
	handler    http.Handler
}

func newAPIHarness(t *testing.T, token string) *apiHarness {
	t.Helper()
	h := &apiHarness{
		store:    memstore.New(nil),
		broker:   memstore.NewBroker(),
		registry: domainjob.NewRegistry(),
	}
	h.registry.MustRegister("demo.ok", func(context.Context, domainjob.RunContext) error { return nil })
	h.registry.MustRegister("demo.fail", func(context.Context, domainjob.RunContext) error {
		return errors.New("upstream unavailable")
	})

	events, err := service.NewEventLogger(service.EventLoggerOptions{Repo: h.store.Events()})
	require.NoError(t, err)
	h.producer, err = service.NewProducer(service.ProducerOptions{
		Repo:     h.store.Runs(),
		Broker:   h.broker,
		Registry: h.registry,
		Events:   events,
	})
	require.NoError(t, err)
	h.dispatcher, err = service.NewDispatcher(service.DispatcherOptions{
		Repo:     h.store.Runs(),
		Registry: h.registry,
		Events:   events,
		Config:   config.DispatcherConfig{AttemptTimeout: time.Minute, Lease: time.Minute},
		Backoff:  domainjob.NoBackoff{},
		Sleep:    func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	require.NoError(t, err)

	h.handler = NewRouter(RouterServices{
		Producer:   h.producer,
		Runs:       h.store.Runs(),
		Events:     h.store.Events(),
		AdminToken: token,
		Metrics:    http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics\n")) }),
	})
	return h
}

func (h *apiHarness) enqueue(t *testing.T, target string, maxRetries int) string {
	t.Helper()
	res, err := h.producer.Enqueue(context.Background(), model.EnqueueRequest{
		JobName:    "nightly_" + target,
		Target:     target,
		MaxRetries: maxRetries,
	})
	require.NoError(t, err)
	return res.JobRunID
}

func (h *apiHarness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for h.broker.Pending() > 0 {
		d, err := h.broker.Receive(ctx)
		require.NoError(t, err)
		require.NoError(t, h.dispatcher.Dispatch(ctx, d.Message()))
		require.NoError(t, d.Ack(ctx))
	}
}

func (h *apiHarness) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, r)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestListJobRuns_NewestFirstWithFilter(t *testing.T) {
	h := newAPIHarness(t, "")
	okID := h.enqueue(t, "demo.ok", 1)
	failID := h.enqueue(t, "demo.fail", 2)
	h.drain(t)
	queuedID := h.enqueue(t, "demo.ok", 1)

	w := h.do(t, http.MethodGet, "/job-runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeBody[listJobRunsResponse](t, w)
	require.Equal(t, 3, got.Count)
	assert.Equal(t, []string{queuedID, failID, okID},
		[]string{got.JobRuns[0].ID, got.JobRuns[1].ID, got.JobRuns[2].ID})

	w = h.do(t, http.MethodGet, "/job-runs?status=failed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got = decodeBody[listJobRunsResponse](t, w)
	require.Equal(t, 1, got.Count)
	assert.Equal(t, failID, got.JobRuns[0].ID)
	assert.Equal(t, 2, got.JobRuns[0].Attempts)
	require.NotNil(t, got.JobRuns[0].LastError)
	assert.Equal(t, "upstream unavailable", *got.JobRuns[0].LastError)

	w = h.do(t, http.MethodGet, "/job-runs?limit=1&offset=1", nil)
	got = decodeBody[listJobRunsResponse](t, w)
	require.Equal(t, 1, got.Count)
	assert.Equal(t, failID, got.JobRuns[0].ID)
}

func TestListJobRuns_EmptyIsArray(t *testing.T) {
	h := newAPIHarness(t, "")

	w := h.do(t, http.MethodGet, "/job-runs", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"job_runs":[],"count":0}`, w.Body.String())
}

func TestListJobRuns_BadStatus(t *testing.T) {
	h := newAPIHarness(t, "")

	w := h.do(t, http.MethodGet, "/job-runs?status=paused", nil)

	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeBody[map[string]string](t, w)
	assert.Equal(t, "invalid_status", body["error"])
}

func TestGetJobRun_WithEvents(t *testing.T) {
	h := newAPIHarness(t, "")
	id := h.enqueue(t, "demo.ok", 3)
	h.drain(t)

	w := h.do(t, http.MethodGet, "/job-runs/"+id, nil)

	require.Equal(t, http.StatusOK, w.Code)
	var detail model.JobRunDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, id, detail.Run.ID)
	assert.Equal(t, model.JobRunStatusSuccess, detail.Run.Status)
	assert.Equal(t, 1, detail.Run.Attempts)
	require.NotNil(t, detail.Run.FinishedAt)
	require.Len(t, detail.Events, 2)
	assert.Equal(t, "starting nightly_demo.ok", detail.Events[0].Message)
	assert.Equal(t, "nightly_demo.ok completed successfully", detail.Events[1].Message)
}

func TestGetJobRun_NotFound(t *testing.T) {
	h := newAPIHarness(t, "")

	w := h.do(t, http.MethodGet, "/job-runs/0190c5a4-0000-7000-8000-000000000000", nil)

	require.Equal(t, http.StatusNotFound, w.Code)
	body := decodeBody[map[string]string](t, w)
	assert.Equal(t, "not_found", body["error"])
}

func TestRerunJobRun_Failed(t *testing.T) {
	h := newAPIHarness(t, "")
	id := h.enqueue(t, "demo.fail", 2)
	h.drain(t)

	w := h.do(t, http.MethodPost, "/job-runs/"+id+"/rerun", nil)

	require.Equal(t, http.StatusAccepted, w.Code)
	got := decodeBody[enqueueResponse](t, w)
	assert.NotEmpty(t, got.JobRunID)
	assert.NotEqual(t, id, got.JobRunID)
	assert.Equal(t, model.JobRunStatusQueued, got.Status)
	assert.Equal(t, id, got.OriginalJobRunID)
	assert.Empty(t, got.Warning)

	rerun, err := h.store.Runs().GetByID(context.Background(), got.JobRunID)
	require.NoError(t, err)
	assert.Equal(t, "nightly_demo.fail", rerun.JobName)
	assert.Equal(t, 2, rerun.MaxRetries)
	assert.Equal(t, 0, rerun.Attempts)
	assert.Contains(t, h.store.Messages(id), "rerun requested")
}

func TestRerunJobRun_NotTerminal(t *testing.T) {
	h := newAPIHarness(t, "")
	id := h.enqueue(t, "demo.ok", 1)

	w := h.do(t, http.MethodPost, "/job-runs/"+id+"/rerun", nil)

	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 1, h.store.Count())
}

func TestRerunJobRun_NotFound(t *testing.T) {
	h := newAPIHarness(t, "")

	w := h.do(t, http.MethodPost, "/job-runs/missing/rerun", nil)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestEnqueueJobRun(t *testing.T) {
	h := newAPIHarness(t, "")

	w := h.do(t, http.MethodPost, "/job-runs",
		[]byte(`{"job_name":"adhoc","target":"demo.ok","payload":{"x":1},"max_retries":4}`))

	require.Equal(t, http.StatusAccepted, w.Code)
	got := decodeBody[enqueueResponse](t, w)
	assert.Equal(t, model.JobRunStatusQueued, got.Status)
	assert.Empty(t, got.OriginalJobRunID)

	run, err := h.store.Runs().GetByID(context.Background(), got.JobRunID)
	require.NoError(t, err)
	assert.Equal(t, 4, run.MaxRetries)
	assert.JSONEq(t, `{"x":1}`, string(run.Payload))
	assert.Equal(t, 1, h.broker.Pending())
}

func TestEnqueueJobRun_OmittedRetriesUseDefault(t *testing.T) {
	h := newAPIHarness(t, "")

	w := h.do(t, http.MethodPost, "/job-runs", []byte(`{"job_name":"adhoc","target":"demo.ok"}`))

	require.Equal(t, http.StatusAccepted, w.Code)
	got := decodeBody[enqueueResponse](t, w)
	run, err := h.store.Runs().GetByID(context.Background(), got.JobRunID)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultMaxRetries, run.MaxRetries)
}

func TestEnqueueJobRun_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		code    int
		errCode string
	}{
		{name: "malformed json", body: `{bad`, code: http.StatusBadRequest, errCode: "invalid_json"},
		{name: "unknown field", body: `{"job_name":"a","target":"demo.ok","retries":2}`, code: http.StatusBadRequest, errCode: "invalid_json"},
		{name: "missing name", body: `{"target":"demo.ok"}`, code: http.StatusBadRequest, errCode: "invalid_request"},
		{name: "retry budget", body: `{"job_name":"a","target":"demo.ok","max_retries":-1}`, code: http.StatusBadRequest, errCode: "invalid_request"},
		{name: "explicit zero retries", body: `{"job_name":"a","target":"demo.ok","max_retries":0}`, code: http.StatusBadRequest, errCode: "invalid_request"},
		{name: "retry budget too large", body: `{"job_name":"a","target":"demo.ok","max_retries":1000}`, code: http.StatusBadRequest, errCode: "invalid_request"},
		{name: "unknown target", body: `{"job_name":"a","target":"demo.nope"}`, code: http.StatusUnprocessableEntity, errCode: "unknown_target"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newAPIHarness(t, "")

			w := h.do(t, http.MethodPost, "/job-runs", []byte(tt.body))

			require.Equal(t, tt.code, w.Code)
			body := decodeBody[map[string]string](t, w)
			assert.Equal(t, tt.errCode, body["error"])
			assert.Equal(t, 0, h.store.Count())
		})
	}
}

func TestEnqueueJobRun_PublishFailureStillAccepted(t *testing.T) {
	h := newAPIHarness(t, "")
	h.broker.PublishHook = func(core.Message) error { return errors.New("broker down") }

	w := h.do(t, http.MethodPost, "/job-runs", []byte(`{"job_name":"adhoc","target":"demo.ok"}`))

	require.Equal(t, http.StatusAccepted, w.Code)
	got := decodeBody[enqueueResponse](t, w)
	assert.Equal(t, publishWarning, got.Warning)
	run, err := h.store.Runs().GetByID(context.Background(), got.JobRunID)
	require.NoError(t, err)
	assert.Equal(t, model.JobRunStatusQueued, run.Status)
}

func TestStats(t *testing.T) {
	h := newAPIHarness(t, "")
	h.enqueue(t, "demo.ok", 1)
	h.enqueue(t, "demo.fail", 1)
	h.drain(t)
	h.enqueue(t, "demo.ok", 1)

	w := h.do(t, http.MethodGet, "/job-runs/stats", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"queued":1,"running":0,"success":1,"failed":1}`, w.Body.String())
}

func TestListJobRuns_StoreErrorIsInternal(t *testing.T) {
	ctrl := gomock.NewController(t)
	runs := mocks.NewMockJobRunRepository(ctrl)
	runs.EXPECT().List(gomock.Any(), gomock.Any()).Return(nil, errors.New("connection reset"))
	handler := NewRouter(RouterServices{Runs: runs})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/job-runs", nil))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection reset")
}

func TestAdminToken(t *testing.T) {
	h := newAPIHarness(t, "s3cret")

	tests := []struct {
		name   string
		header string
		code   int
	}{
		{name: "missing", header: "", code: http.StatusUnauthorized},
		{name: "wrong", header: "Bearer nope", code: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic s3cret", code: http.StatusUnauthorized},
		{name: "valid", header: "Bearer s3cret", code: http.StatusOK},
		{name: "scheme case", header: "bearer s3cret", code: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/job-runs", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.handler.ServeHTTP(w, r)
			assert.Equal(t, tt.code, w.Code)
			if tt.code == http.StatusUnauthorized {
				assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
			}
		})
	}

	// Health and metrics stay open.
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/metrics", nil).Code)
}
