package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/target/mmk-jobs/config"
	domainjob "github.com/target/mmk-jobs/internal/domain/job"
	"github.com/target/mmk-jobs/internal/domain/model"
	"github.com/target/mmk-jobs/internal/mocks/memstore"
)

// jobHarness wires producer and dispatcher over in-memory doubles.
type jobHarness struct {
	store      *memstore.Store
	broker     *memstore.Broker
	registry   *domainjob.Registry
	events     *EventLogger
	producer   *Producer
	dispatcher *Dispatcher

	mu     sync.Mutex
	sleeps []time.Duration
}

type harnessConfig struct {
	dispatcher config.DispatcherConfig
	backoff    domainjob.BackoffPolicy
	clock      func() time.Time
}

func newJobHarness(t *testing.T, opts ...func(*harnessConfig)) *jobHarness {
	t.Helper()

	hc := harnessConfig{
		dispatcher: config.DispatcherConfig{
			AttemptTimeout: time.Minute,
			BackoffInitial: time.Second,
			BackoffMax:     time.Minute,
			Lease:          15 * time.Minute,
		},
		backoff: domainjob.ConstantBackoff(2 * time.Second),
	}
	for _, o := range opts {
		o(&hc)
	}

	h := &jobHarness{
		store:    memstore.New(hc.clock),
		broker:   memstore.NewBroker(),
		registry: domainjob.NewRegistry(),
	}

	var err error
	h.events, err = NewEventLogger(EventLoggerOptions{Repo: h.store.Events()})
	require.NoError(t, err)

	h.producer, err = NewProducer(ProducerOptions{
		Repo:     h.store.Runs(),
		Broker:   h.broker,
		Registry: h.registry,
		Events:   h.events,
	})
	require.NoError(t, err)

	h.dispatcher, err = NewDispatcher(DispatcherOptions{
		Repo:     h.store.Runs(),
		Registry: h.registry,
		Events:   h.events,
		Config:   hc.dispatcher,
		Backoff:  hc.backoff,
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			return ctx.Err()
		},
	})
	require.NoError(t, err)
	return h
}

// enqueue submits a run for an already registered target.
func (h *jobHarness) enqueue(t *testing.T, jobName, target string, maxRetries int) string {
	t.Helper()
	res, err := h.producer.Enqueue(context.Background(), model.EnqueueRequest{
		JobName:    jobName,
		Target:     target,
		MaxRetries: maxRetries,
	})
	require.NoError(t, err)
	require.Equal(t, model.JobRunStatusQueued, res.Status)
	return res.JobRunID
}

// drain dispatches every pending broker message and settles it like the worker does.
func (h *jobHarness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for h.broker.Pending() > 0 {
		d, err := h.broker.Receive(ctx)
		require.NoError(t, err)
		require.NoError(t, h.dispatcher.Dispatch(ctx, d.Message()))
		require.NoError(t, d.Ack(ctx))
	}
}

func (h *jobHarness) run(t *testing.T, id string) *model.JobRun {
	t.Helper()
	run, err := h.store.Runs().GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, run.CheckInvariants())
	return run
}

func (h *jobHarness) eventsOf(t *testing.T, id string) []*model.JobEvent {
	t.Helper()
	evs, err := h.store.Events().ListByRun(context.Background(), id)
	require.NoError(t, err)
	return evs
}

func countLevel(events []*model.JobEvent, level model.EventLevel) int {
	n := 0
	for _, ev := range events {
		if ev.Level == level {
			n++
		}
	}
	return n
}
