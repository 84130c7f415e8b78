package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScheduler struct {
	starts, stops atomic.Int32
	startErr      error
}

func (f *fakeScheduler) Start(context.Context) error {
	f.starts.Add(1)
	return f.startErr
}

func (f *fakeScheduler) Stop(ctx context.Context) error {
	f.stops.Add(1)
	return ctx.Err()
}

func (f *fakeScheduler) Entries() []string { return []string{"send_alerts"} }

func TestRunner_StartsAndStops(t *testing.T) {
	s := &fakeScheduler{}
	r, err := NewRunner(RunnerOptions{Scheduler: s})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return s.starts.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, s.stops.Load())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not return")
	}
	assert.Equal(t, int32(1), s.stops.Load())
}

func TestRunner_StartError(t *testing.T) {
	s := &fakeScheduler{startErr: errors.New("already running")}
	r, err := NewRunner(RunnerOptions{Scheduler: s})
	require.NoError(t, err)

	err = r.Run(context.Background())
	require.ErrorContains(t, err, "start scheduler")
	assert.Zero(t, s.stops.Load())
}

func TestNewRunner_RequiresScheduler(t *testing.T) {
	_, err := NewRunner(RunnerOptions{})
	require.Error(t, err)
}
