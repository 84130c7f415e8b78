package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-jobs/config"
	"github.com/target/mmk-jobs/internal/core"
	domainjob "github.com/target/mmk-jobs/internal/domain/job"
	"github.com/target/mmk-jobs/internal/domain/model"
	"github.com/target/mmk-jobs/internal/mocks/memstore"
	"github.com/target/mmk-jobs/internal/service"
)

type dispatchFunc func(ctx context.Context, msg core.Message) error

func (f dispatchFunc) Dispatch(ctx context.Context, msg core.Message) error { return f(ctx, msg) }

func startRunner(t *testing.T, r *Runner) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("runner did not stop")
		}
	}
}

func TestRunner_AcksHandledMessages(t *testing.T) {
	broker := memstore.NewBroker()
	var mu sync.Mutex
	var seen []string

	r, err := NewRunner(RunnerOptions{
		Broker: broker,
		Dispatcher: dispatchFunc(func(_ context.Context, msg core.Message) error {
			mu.Lock()
			seen = append(seen, msg.JobRunID)
			mu.Unlock()
			return nil
		}),
		Config: config.WorkerConfig{Name: "w1", Concurrency: 2},
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := range 5 {
		require.NoError(t, broker.Publish(ctx, core.Message{JobRunID: fmt.Sprintf("run-%d", i)}))
	}

	stop := startRunner(t, r)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	assert.Zero(t, broker.Pending())
	assert.Zero(t, broker.InFlight())
}

func TestRunner_RequeuesInterruptedDispatch(t *testing.T) {
	broker := memstore.NewBroker()
	started := make(chan struct{})

	r, err := NewRunner(RunnerOptions{
		Broker: broker,
		Dispatcher: dispatchFunc(func(ctx context.Context, _ core.Message) error {
			close(started)
			<-ctx.Done()
			return service.ErrInterrupted
		}),
		Config: config.WorkerConfig{Name: "w1", Concurrency: 1},
	})
	require.NoError(t, err)
	require.NoError(t, broker.Publish(context.Background(), core.Message{JobRunID: "run-1"}))

	stop := startRunner(t, r)
	<-started
	stop()

	assert.Equal(t, 1, broker.Pending(), "message returned for redelivery")
	assert.Zero(t, broker.InFlight())
}

func TestRunner_RequeuesOnStoreError(t *testing.T) {
	broker := memstore.NewBroker()
	var mu sync.Mutex
	calls := 0

	r, err := NewRunner(RunnerOptions{
		Broker: broker,
		Dispatcher: dispatchFunc(func(context.Context, core.Message) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return errors.New("connection refused")
			}
			return nil
		}),
		Config: config.WorkerConfig{Name: "w1", Concurrency: 1},
	})
	require.NoError(t, err)
	require.NoError(t, broker.Publish(context.Background(), core.Message{JobRunID: "run-1"}))

	stop := startRunner(t, r)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, 5*time.Second, 10*time.Millisecond)
	stop()
	assert.Zero(t, broker.Pending())
}

type recoveringBroker struct {
	*memstore.Broker
	recovered chan struct{}
}

func (b *recoveringBroker) Recover(context.Context) (int, error) {
	close(b.recovered)
	return 0, nil
}

func TestRunner_RecoversBeforeConsuming(t *testing.T) {
	broker := &recoveringBroker{Broker: memstore.NewBroker(), recovered: make(chan struct{})}
	r, err := NewRunner(RunnerOptions{
		Broker:     broker,
		Dispatcher: dispatchFunc(func(context.Context, core.Message) error { return nil }),
	})
	require.NoError(t, err)

	stop := startRunner(t, r)
	select {
	case <-broker.recovered:
	case <-time.After(5 * time.Second):
		t.Fatal("Recover not called")
	}
	stop()
}

func TestRunner_RateLimit(t *testing.T) {
	broker := memstore.NewBroker()
	var mu sync.Mutex
	var times []time.Time

	r, err := NewRunner(RunnerOptions{
		Broker: broker,
		Dispatcher: dispatchFunc(func(context.Context, core.Message) error {
			mu.Lock()
			times = append(times, time.Now())
			mu.Unlock()
			return nil
		}),
		Config: config.WorkerConfig{Name: "w1", Concurrency: 4, RateLimit: 10, RateBurst: 1},
	})
	require.NoError(t, err)
	for i := range 4 {
		require.NoError(t, broker.Publish(context.Background(), core.Message{JobRunID: fmt.Sprintf("run-%d", i)}))
	}

	stop := startRunner(t, r)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(times) == 4
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, times[3].Sub(times[0]), 250*time.Millisecond)
}

func TestNewRunner_Validation(t *testing.T) {
	_, err := NewRunner(RunnerOptions{})
	require.Error(t, err)
	_, err = NewRunner(RunnerOptions{Broker: memstore.NewBroker()})
	require.Error(t, err)
}

// Two worker processes share one broker and store; each run ends with only its own outcome.
func TestRunner_TwoWorkersDistinctRuns(t *testing.T) {
	store := memstore.New(nil)
	broker := memstore.NewBroker()
	registry := domainjob.NewRegistry()
	registry.MustRegister("ok", func(context.Context, domainjob.RunContext) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	registry.MustRegister("broken", func(_ context.Context, rc domainjob.RunContext) error {
		return fmt.Errorf("broken on attempt %d", rc.Attempt)
	})

	events, err := service.NewEventLogger(service.EventLoggerOptions{Repo: store.Events()})
	require.NoError(t, err)
	producer, err := service.NewProducer(service.ProducerOptions{
		Repo: store.Runs(), Broker: broker, Registry: registry, Events: events,
	})
	require.NoError(t, err)

	newWorker := func(name string) *Runner {
		d, err := service.NewDispatcher(service.DispatcherOptions{
			Repo:     store.Runs(),
			Registry: registry,
			Events:   events,
			Config:   config.DispatcherConfig{AttemptTimeout: time.Minute},
			Backoff:  domainjob.NoBackoff{},
		})
		require.NoError(t, err)
		r, err := NewRunner(RunnerOptions{
			Broker:     broker,
			Dispatcher: d,
			Config:     config.WorkerConfig{Name: name, Concurrency: 1},
		})
		require.NoError(t, err)
		return r
	}

	stopA := startRunner(t, newWorker("a"))
	stopB := startRunner(t, newWorker("b"))

	ctx := context.Background()
	okRun, err := producer.Enqueue(ctx, model.EnqueueRequest{JobName: "ok_job", Target: "ok", MaxRetries: 3})
	require.NoError(t, err)
	badRun, err := producer.Enqueue(ctx, model.EnqueueRequest{JobName: "bad_job", Target: "broken", MaxRetries: 2})
	require.NoError(t, err)

	terminal := func(id string) bool {
		run, err := store.Runs().GetByID(ctx, id)
		return err == nil && run.Status.IsTerminal()
	}
	require.Eventually(t, func() bool { return terminal(okRun.JobRunID) && terminal(badRun.JobRunID) },
		5*time.Second, 10*time.Millisecond)
	stopA()
	stopB()

	good, err := store.Runs().GetByID(ctx, okRun.JobRunID)
	require.NoError(t, err)
	assert.Equal(t, model.JobRunStatusSuccess, good.Status)
	assert.Equal(t, 1, good.Attempts)
	assert.Nil(t, good.LastError)

	bad, err := store.Runs().GetByID(ctx, badRun.JobRunID)
	require.NoError(t, err)
	assert.Equal(t, model.JobRunStatusFailed, bad.Status)
	assert.Equal(t, 2, bad.Attempts)
	require.NotNil(t, bad.LastError)
	assert.Equal(t, "broken on attempt 2", *bad.LastError)

	for _, m := range store.Messages(okRun.JobRunID) {
		assert.NotContains(t, m, "bad_job")
	}
	for _, m := range store.Messages(badRun.JobRunID) {
		assert.NotContains(t, m, "ok_job")
	}
}
