package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNoMessage is returned by Broker.Receive when the poll window elapsed without a message.
var ErrNoMessage = errors.New("no message available")

// Message is the broker envelope for one job run.
type Message struct {
	JobRunID    string          `msgpack:"job_run_id"   json:"job_run_id"`
	JobName     string          `msgpack:"job_name"     json:"job_name"`
	Target      string          `msgpack:"target"       json:"target"`
	Payload     json.RawMessage `msgpack:"payload"      json:"payload"`
	MaxRetries  int             `msgpack:"max_retries"  json:"max_retries"`
	PublishedAt time.Time       `msgpack:"published_at" json:"published_at"`
}

// Delivery is a received message that must be settled exactly once.
type Delivery interface {
	Message() Message
	// Ack removes the message from the broker.
	Ack(ctx context.Context) error
	// Requeue returns the message to the queue for another consumer.
	Requeue(ctx context.Context) error
}

// Broker decouples enqueue-time producers from worker-time consumers.
type Broker interface {
	Publish(ctx context.Context, msg Message) error
	// Receive blocks until a message arrives, the poll window elapses (ErrNoMessage),
	// or ctx is done.
	Receive(ctx context.Context) (Delivery, error)
	Close() error
}

// FireGuard records scheduler fires so that duplicate scheduler instances do not
// enqueue the same (entry, trigger time) twice.
type FireGuard interface {
	// TryFire returns true if this caller is the first to claim the fire key.
	TryFire(ctx context.Context, entryID string, scheduledAt time.Time) (bool, error)
}
