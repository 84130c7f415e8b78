// Package redis provides Redis-backed broker and scheduler adapters.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-jobs/internal/adapters/envelope"
	"github.com/target/mmk-jobs/internal/core"
)

const defaultPollTimeout = 5 * time.Second

var _ core.Broker = (*Queue)(nil)

// QueueOptions configures a Redis list queue.
type QueueOptions struct {
	// Name is the logical queue name; required.
	Name string
	// Consumer scopes the in-flight list of this process; required for Receive.
	Consumer string
	// PollTimeout bounds each blocking read. Defaults to 5s.
	PollTimeout time.Duration
	Logger      *slog.Logger
}

// Queue is an at-least-once job queue on Redis lists. Received messages are moved
// atomically into a per-consumer processing list and stay there until acknowledged.
// Keys share a hash tag so BLMOVE works on Redis Cluster.
type Queue struct {
	client      redis.UniversalClient
	key         string
	processing  string
	pollTimeout time.Duration
	logger      *slog.Logger
}

// NewQueue creates a queue over client. The client is owned by the caller.
func NewQueue(client redis.UniversalClient, opts QueueOptions) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Name == "" {
		return nil, errors.New("queue name is required")
	}
	poll := opts.PollTimeout
	if poll <= 0 {
		poll = defaultPollTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	key := "{" + opts.Name + "}"
	q := &Queue{
		client:      client,
		key:         key,
		pollTimeout: poll,
		logger:      logger.With("component", "redis_queue", "queue", opts.Name),
	}
	if opts.Consumer != "" {
		q.processing = key + ":processing:" + opts.Consumer
	}
	return q, nil
}

// Publish appends msg to the queue.
func (q *Queue) Publish(ctx context.Context, msg core.Message) error {
	data, err := envelope.Encode(msg)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("redis lpush: %w", err)
	}
	return nil
}

// Recover returns messages left in this consumer's processing list by a previous
// process to the head of the queue. Call it once before the first Receive.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	if q.processing == "" {
		return 0, errors.New("queue has no consumer name")
	}
	n := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.key, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("redis lmove: %w", err)
		}
		n++
	}
	if n > 0 {
		q.logger.InfoContext(ctx, "recovered in-flight messages", "count", n)
	}
	return n, nil
}

// Receive blocks for up to the poll timeout waiting for a message.
func (q *Queue) Receive(ctx context.Context) (core.Delivery, error) {
	if q.processing == "" {
		return nil, errors.New("queue has no consumer name")
	}
	raw, err := q.client.BLMove(ctx, q.key, q.processing, "RIGHT", "LEFT", q.pollTimeout).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, core.ErrNoMessage
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("redis blmove: %w", err)
	}

	msg, err := envelope.Decode([]byte(raw))
	if err != nil {
		// Undecodable payloads can never succeed; drop them from the processing list.
		if remErr := q.client.LRem(context.WithoutCancel(ctx), q.processing, 1, raw).Err(); remErr != nil {
			q.logger.ErrorContext(ctx, "failed to drop malformed message", "error", remErr)
		}
		return nil, err
	}
	return &delivery{q: q, raw: raw, msg: msg}, nil
}

// Close is a no-op; the Redis client is closed by its owner.
func (q *Queue) Close() error { return nil }

// Len returns the number of waiting messages.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

type delivery struct {
	q   *Queue
	raw string
	msg core.Message
}

func (d *delivery) Message() core.Message { return d.msg }

func (d *delivery) Ack(ctx context.Context) error {
	if err := d.q.client.LRem(ctx, d.q.processing, 1, d.raw).Err(); err != nil {
		return fmt.Errorf("redis lrem: %w", err)
	}
	return nil
}

// Requeue puts the message back at the head of the queue so it is delivered next.
func (d *delivery) Requeue(ctx context.Context) error {
	_, err := d.q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, d.q.processing, 1, d.raw)
		pipe.RPush(ctx, d.q.key, d.raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis requeue: %w", err)
	}
	return nil
}
