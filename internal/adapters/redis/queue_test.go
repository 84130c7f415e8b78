package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-jobs/internal/adapters/envelope"
	"github.com/target/mmk-jobs/internal/core"
	"github.com/target/mmk-jobs/internal/testutil"
)

// setupTestRedis creates a Redis client for testing.
// Tests will be skipped if Redis is not available.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := testutil.SetupTestRedis(t)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newTestQueue(t *testing.T, client *redis.Client, consumer string) *Queue {
	t.Helper()
	q, err := NewQueue(client, QueueOptions{
		Name:        "test:jobs",
		Consumer:    consumer,
		PollTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	return q
}

func testMessage(id string) core.Message {
	return core.Message{
		JobRunID:    id,
		JobName:     "send_alerts",
		Target:      "alerts.run",
		Payload:     json.RawMessage(`{}`),
		MaxRetries:  3,
		PublishedAt: time.Now().UTC(),
	}
}

func TestQueue_PublishReceiveAck(t *testing.T) {
	client := setupTestRedis(t)
	q := newTestQueue(t, client, "worker-a")
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, testMessage("run-1")))
	require.NoError(t, q.Publish(ctx, testMessage("run-2")))

	d1, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", d1.Message().JobRunID, "FIFO order")

	inflight, err := client.LLen(ctx, q.processing).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), inflight)

	require.NoError(t, d1.Ack(ctx))
	inflight, err = client.LLen(ctx, q.processing).Result()
	require.NoError(t, err)
	assert.Zero(t, inflight)

	d2, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-2", d2.Message().JobRunID)
	require.NoError(t, d2.Ack(ctx))
}

func TestQueue_ReceiveEmpty(t *testing.T) {
	client := setupTestRedis(t)
	q := newTestQueue(t, client, "worker-a")

	_, err := q.Receive(context.Background())
	require.ErrorIs(t, err, core.ErrNoMessage)
}

func TestQueue_RequeueDeliversNext(t *testing.T) {
	client := setupTestRedis(t)
	q := newTestQueue(t, client, "worker-a")
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, testMessage("run-1")))
	require.NoError(t, q.Publish(ctx, testMessage("run-2")))

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Requeue(ctx))

	again, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", again.Message().JobRunID)
}

func TestQueue_RecoverAfterCrash(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	crashed := newTestQueue(t, client, "worker-a")
	require.NoError(t, crashed.Publish(ctx, testMessage("run-1")))
	_, err := crashed.Receive(ctx)
	require.NoError(t, err)
	// No ack: the process dies here.

	other := newTestQueue(t, client, "worker-b")
	_, err = other.Receive(ctx)
	require.ErrorIs(t, err, core.ErrNoMessage)

	restarted := newTestQueue(t, client, "worker-a")
	n, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, err := other.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", d.Message().JobRunID)
}

func TestQueue_MalformedMessageDropped(t *testing.T) {
	client := setupTestRedis(t)
	q := newTestQueue(t, client, "worker-a")
	ctx := context.Background()

	require.NoError(t, client.LPush(ctx, q.key, "garbage").Err())

	_, err := q.Receive(ctx)
	require.ErrorIs(t, err, envelope.ErrMalformed)

	inflight, err := client.LLen(ctx, q.processing).Result()
	require.NoError(t, err)
	assert.Zero(t, inflight)
}

func TestNewQueue_Validation(t *testing.T) {
	_, err := NewQueue(nil, QueueOptions{Name: "q"})
	require.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()
	_, err = NewQueue(client, QueueOptions{})
	require.Error(t, err)

	q, err := NewQueue(client, QueueOptions{Name: "q"})
	require.NoError(t, err)
	_, err = q.Receive(context.Background())
	require.Error(t, err, "publish-only queue cannot receive")
}
