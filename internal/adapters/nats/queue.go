// Package nats provides a core NATS broker adapter.
//
// Core NATS has no persistence: a message published while no worker is subscribed
// is lost, and the requeue reaper republishes the queued run later.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/target/mmk-jobs/config"
	"github.com/target/mmk-jobs/internal/adapters/envelope"
	"github.com/target/mmk-jobs/internal/core"
)

const (
	defaultPollTimeout = 5 * time.Second
	defaultQueueGroup  = "mmk-jobs-workers"
)

var _ core.Broker = (*Queue)(nil)

// QueueOptions configures a NATS queue.
type QueueOptions struct {
	// Subject carries job messages; required.
	Subject string
	// Group is the queue group shared by all workers. Defaults to mmk-jobs-workers.
	Group string
	// PollTimeout bounds each Receive. Defaults to 5s.
	PollTimeout time.Duration
	Logger      *slog.Logger
}

// Queue publishes to a subject and consumes through a queue-group subscription so
// each message reaches one worker.
type Queue struct {
	conn        *nats.Conn
	subject     string
	group       string
	pollTimeout time.Duration
	logger      *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// Connect dials NATS with reconnect settings from cfg.
func Connect(cfg config.NATSConfig) (*nats.Conn, error) {
	if !cfg.IsConfigured() {
		return nil, fmt.Errorf("%w: set NATS_URL", config.ErrBrokerNotConfigured)
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return conn, nil
}

// NewQueue creates a queue over conn. The connection is owned by the caller.
func NewQueue(conn *nats.Conn, opts QueueOptions) (*Queue, error) {
	if conn == nil {
		return nil, errors.New("nats connection is required")
	}
	if opts.Subject == "" {
		return nil, errors.New("subject is required")
	}
	group := opts.Group
	if group == "" {
		group = defaultQueueGroup
	}
	poll := opts.PollTimeout
	if poll <= 0 {
		poll = defaultPollTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		conn:        conn,
		subject:     opts.Subject,
		group:       group,
		pollTimeout: poll,
		logger:      logger.With("component", "nats_queue", "subject", opts.Subject),
	}, nil
}

// Subscribe joins the queue group. Receive calls it on first use.
func (q *Queue) Subscribe() error {
	_, err := q.subscription()
	return err
}

func (q *Queue) subscription() (*nats.Subscription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sub != nil {
		return q.sub, nil
	}
	sub, err := q.conn.QueueSubscribeSync(q.subject, q.group)
	if err != nil {
		return nil, fmt.Errorf("nats queue subscribe: %w", err)
	}
	q.sub = sub
	return sub, nil
}

// Publish sends msg to the subject.
func (q *Queue) Publish(_ context.Context, msg core.Message) error {
	data, err := envelope.Encode(msg)
	if err != nil {
		return err
	}
	if err := q.conn.Publish(q.subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Receive waits up to the poll timeout for the next message.
func (q *Queue) Receive(ctx context.Context) (core.Delivery, error) {
	sub, err := q.subscription()
	if err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithTimeout(ctx, q.pollTimeout)
	defer cancel()

	m, err := sub.NextMsgWithContext(pollCtx)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return nil, core.ErrNoMessage
	default:
		return nil, fmt.Errorf("nats next message: %w", err)
	}

	msg, err := envelope.Decode(m.Data)
	if err != nil {
		q.logger.WarnContext(ctx, "dropping malformed message", "error", err)
		return nil, err
	}
	return &delivery{q: q, data: m.Data, msg: msg}, nil
}

// Close leaves the queue group. The connection stays open.
func (q *Queue) Close() error {
	q.mu.Lock()
	sub := q.sub
	q.sub = nil
	q.mu.Unlock()
	if sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats unsubscribe: %w", err)
	}
	return nil
}

type delivery struct {
	q    *Queue
	data []byte
	msg  core.Message
}

func (d *delivery) Message() core.Message { return d.msg }

// Ack is a no-op; core NATS removes a message once delivered.
func (d *delivery) Ack(context.Context) error { return nil }

// Requeue republishes the message for another group member.
func (d *delivery) Requeue(context.Context) error {
	if err := d.q.conn.Publish(d.q.subject, d.data); err != nil {
		return fmt.Errorf("nats requeue: %w", err)
	}
	return nil
}
