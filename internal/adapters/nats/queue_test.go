package nats

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-jobs/config"
	"github.com/target/mmk-jobs/internal/core"
)

// setupTestNATS connects to TEST_NATS_URL or skips.
func setupTestNATS(t *testing.T) config.NATSConfig {
	t.Helper()
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("TEST_NATS_URL not set")
	}
	return config.NATSConfig{URL: url, Name: "mmk-jobs-test", MaxReconnects: 1, ReconnectWait: time.Second}
}

func TestConnect_RequiresURL(t *testing.T) {
	_, err := Connect(config.NATSConfig{})
	require.ErrorIs(t, err, config.ErrBrokerNotConfigured)
}

func TestNewQueue_Validation(t *testing.T) {
	_, err := NewQueue(nil, QueueOptions{Subject: "jobs"})
	require.Error(t, err)
}

func TestQueue_PublishReceive(t *testing.T) {
	cfg := setupTestNATS(t)
	conn, err := Connect(cfg)
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	subject := "test.jobs." + time.Now().Format("150405.000000")
	q, err := NewQueue(conn, QueueOptions{Subject: subject, PollTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	require.NoError(t, q.Subscribe())

	ctx := context.Background()
	_, err = q.Receive(ctx)
	require.ErrorIs(t, err, core.ErrNoMessage)

	msg := core.Message{JobRunID: "run-1", JobName: "send_alerts", Target: "alerts.run", Payload: json.RawMessage(`{}`), MaxRetries: 3}
	require.NoError(t, q.Publish(ctx, msg))
	require.NoError(t, conn.Flush())

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", d.Message().JobRunID)

	require.NoError(t, d.Requeue(ctx))
	again, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", again.Message().JobRunID)
	require.NoError(t, again.Ack(ctx))
}

func TestQueue_ReceiveCancelled(t *testing.T) {
	cfg := setupTestNATS(t)
	conn, err := Connect(cfg)
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	q, err := NewQueue(conn, QueueOptions{Subject: "test.cancel", PollTimeout: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.Receive(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
