package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-jobs/internal/core"
	"github.com/target/mmk-jobs/internal/data"
	domainjob "github.com/target/mmk-jobs/internal/domain/job"
	"github.com/target/mmk-jobs/internal/domain/model"
	"github.com/target/mmk-jobs/internal/mocks"
	"github.com/target/mmk-jobs/internal/mocks/memstore"
	"go.uber.org/mock/gomock"
)

func noopTarget(context.Context, domainjob.RunContext) error { return nil }

func TestProducer_EnqueueRecordsThenPublishes(t *testing.T) {
	h := newJobHarness(t)
	h.registry.MustRegister("alerts.run", noopTarget)

	var createdBeforePublish bool
	h.broker.PublishHook = func(msg core.Message) error {
		run, err := h.store.Runs().GetByID(context.Background(), msg.JobRunID)
		createdBeforePublish = err == nil && run.Status == model.JobRunStatusQueued
		return nil
	}

	res, err := h.producer.Enqueue(context.Background(), model.EnqueueRequest{
		JobName:    " send_alerts ",
		Target:     "alerts.run",
		Payload:    json.RawMessage(`{"window":"1h"}`),
		MaxRetries: 5,
	})
	require.NoError(t, err)
	assert.True(t, createdBeforePublish)
	assert.Equal(t, model.JobRunStatusQueued, res.Status)

	msgs := h.broker.Published()
	require.Len(t, msgs, 1)
	assert.Equal(t, res.JobRunID, msgs[0].JobRunID)
	assert.Equal(t, "send_alerts", msgs[0].JobName)
	assert.Equal(t, "alerts.run", msgs[0].Target)
	assert.Equal(t, 5, msgs[0].MaxRetries)
	assert.JSONEq(t, `{"window":"1h"}`, string(msgs[0].Payload))
	assert.False(t, msgs[0].PublishedAt.IsZero())

	run := h.run(t, res.JobRunID)
	assert.Equal(t, 0, run.Attempts)
	assert.Nil(t, run.StartedAt)
	assert.Nil(t, run.FinishedAt)
}

func TestProducer_EnqueueDefaults(t *testing.T) {
	h := newJobHarness(t)
	h.registry.MustRegister("opportunities.archive_expired", noopTarget)

	res, err := h.producer.Enqueue(context.Background(), model.EnqueueRequest{
		JobName: "archive_expired",
		Target:  "opportunities.archive_expired",
	})
	require.NoError(t, err)

	run := h.run(t, res.JobRunID)
	assert.Equal(t, model.DefaultMaxRetries, run.MaxRetries)
	assert.JSONEq(t, `{}`, string(run.Payload))
}

func TestProducer_UnknownTargetWritesNothing(t *testing.T) {
	h := newJobHarness(t)

	_, err := h.producer.Enqueue(context.Background(), model.EnqueueRequest{
		JobName: "mystery",
		Target:  "does.not.exist",
	})
	require.ErrorIs(t, err, domainjob.ErrUnknownTarget)
	assert.Equal(t, 0, h.store.Count())
	assert.Empty(t, h.broker.Published())
}

func TestProducer_InvalidRequest(t *testing.T) {
	h := newJobHarness(t)
	h.registry.MustRegister("alerts.run", noopTarget)

	tests := []struct {
		name string
		req  model.EnqueueRequest
	}{
		{name: "missing job name", req: model.EnqueueRequest{Target: "alerts.run"}},
		{name: "missing target", req: model.EnqueueRequest{JobName: "x"}},
		{name: "negative retries", req: model.EnqueueRequest{JobName: "x", Target: "alerts.run", MaxRetries: -1}},
		{name: "bad payload", req: model.EnqueueRequest{JobName: "x", Target: "alerts.run", Payload: json.RawMessage(`{`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.producer.Enqueue(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrInvalidEnqueueRequest)
		})
	}
	assert.Equal(t, 0, h.store.Count())
}

func TestProducer_PublishFailureLeavesQueuedRun(t *testing.T) {
	h := newJobHarness(t)
	h.registry.MustRegister("alerts.run", noopTarget)
	brokerErr := errors.New("broker unreachable")
	h.broker.PublishHook = func(core.Message) error { return brokerErr }

	res, err := h.producer.Enqueue(context.Background(), model.EnqueueRequest{JobName: "send_alerts", Target: "alerts.run"})
	require.Error(t, err)
	assert.Nil(t, res)
	require.ErrorIs(t, err, ErrPublishFailed)
	require.ErrorIs(t, err, brokerErr)

	var publishErr *PublishError
	require.ErrorAs(t, err, &publishErr)
	run := h.run(t, publishErr.JobRunID)
	assert.Equal(t, model.JobRunStatusQueued, run.Status)

	events := h.eventsOf(t, run.ID)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventLevelError, events[0].Level)
	assert.Equal(t, "failed to publish job run", events[0].Message)
}

func TestProducer_CreateFailureSkipsPublish(t *testing.T) {
	ctrl := gomock.NewController(t)
	runs := mocks.NewMockJobRunRepository(ctrl)
	broker := mocks.NewMockBroker(ctrl)
	reg := domainjob.NewRegistry()
	reg.MustRegister("alerts.run", noopTarget)

	p, err := NewProducer(ProducerOptions{Repo: runs, Broker: broker, Registry: reg})
	require.NoError(t, err)

	dbErr := errors.New("too many connections")
	runs.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil, dbErr)

	_, err = p.Enqueue(context.Background(), model.EnqueueRequest{JobName: "send_alerts", Target: "alerts.run"})
	require.ErrorIs(t, err, dbErr)
}

func TestProducer_Rerun(t *testing.T) {
	h := newJobHarness(t)
	h.registry.MustRegister("contracts.update_history", func(context.Context, domainjob.RunContext) error {
		return errors.New("history api down")
	})

	origID := h.enqueue(t, "update_contract_history", "contracts.update_history", 2)
	h.drain(t)
	require.Equal(t, model.JobRunStatusFailed, h.run(t, origID).Status)

	res, err := h.producer.Rerun(context.Background(), origID)
	require.NoError(t, err)
	assert.NotEqual(t, origID, res.JobRunID)
	assert.Equal(t, model.JobRunStatusQueued, res.Status)

	orig := h.run(t, origID)
	rerun := h.run(t, res.JobRunID)
	assert.Equal(t, orig.JobName, rerun.JobName)
	assert.Equal(t, orig.Target, rerun.Target)
	assert.Equal(t, orig.MaxRetries, rerun.MaxRetries)
	assert.JSONEq(t, string(orig.Payload), string(rerun.Payload))
	assert.Equal(t, model.JobRunStatusFailed, orig.Status, "original run is untouched")

	events := h.eventsOf(t, origID)
	last := events[len(events)-1]
	assert.Equal(t, "rerun requested", last.Message)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(last.Meta, &meta))
	assert.Equal(t, res.JobRunID, meta["rerun_job_run_id"])
}

func TestProducer_RerunRejectsActiveRun(t *testing.T) {
	h := newJobHarness(t)
	h.registry.MustRegister("alerts.run", noopTarget)
	id := h.enqueue(t, "send_alerts", "alerts.run", 1)

	_, err := h.producer.Rerun(context.Background(), id)
	require.ErrorIs(t, err, ErrRunNotTerminal)
	assert.Equal(t, 1, h.store.Count())
}

func TestProducer_RerunNotFound(t *testing.T) {
	h := newJobHarness(t)
	_, err := h.producer.Rerun(context.Background(), "018f2b8e-0000-7000-8000-000000000000")
	require.ErrorIs(t, err, data.ErrJobRunNotFound)
}

func TestProducer_RerunOfRemovedTarget(t *testing.T) {
	store := memstore.New(nil)
	broker := memstore.NewBroker()
	reg := domainjob.NewRegistry()
	reg.MustRegister("old.target", noopTarget)

	first, err := NewProducer(ProducerOptions{Repo: store.Runs(), Broker: broker, Registry: reg})
	require.NoError(t, err)
	res, err := first.Enqueue(context.Background(), model.EnqueueRequest{JobName: "legacy", Target: "old.target", MaxRetries: 1})
	require.NoError(t, err)

	_, ok, err := store.Runs().Claim(context.Background(), core.ClaimParams{ID: res.JobRunID})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Runs().RecordAttempt(context.Background(), core.AttemptParams{ID: res.JobRunID, Attempts: 1}))
	require.NoError(t, store.Runs().Complete(context.Background(), core.CompleteParams{ID: res.JobRunID, Attempts: 1}))

	second, err := NewProducer(ProducerOptions{Repo: store.Runs(), Broker: broker, Registry: domainjob.NewRegistry()})
	require.NoError(t, err)
	_, err = second.Rerun(context.Background(), res.JobRunID)
	require.ErrorIs(t, err, domainjob.ErrUnknownTarget)
	assert.Equal(t, 1, store.Count())
}
