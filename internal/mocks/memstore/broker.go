package memstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/target/mmk-jobs/internal/core"
)

var errAppendDisabled = errors.New("event writes disabled")

// ErrBrokerClosed is returned after Close.
var ErrBrokerClosed = errors.New("broker closed")

var _ core.Broker = (*Broker)(nil)

// Broker is an in-memory at-least-once queue. Unacknowledged deliveries stay
// in flight until Ack or Requeue.
type Broker struct {
	mu       sync.Mutex
	queue    []core.Message
	inflight int
	notify   chan struct{}
	closed   bool

	// PollTimeout bounds Receive; defaults to 50ms.
	PollTimeout time.Duration
	// PublishHook runs before each publish; a returned error rejects the message.
	PublishHook func(msg core.Message) error

	published []core.Message
}

// NewBroker creates an empty in-memory broker.
func NewBroker() *Broker {
	return &Broker{notify: make(chan struct{}, 1), PollTimeout: 50 * time.Millisecond}
}

func (b *Broker) Publish(_ context.Context, msg core.Message) error {
	b.mu.Lock()
	hook := b.PublishHook
	b.mu.Unlock()
	if hook != nil {
		if err := hook(msg); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	b.queue = append(b.queue, msg)
	b.published = append(b.published, msg)
	b.signal()
	return nil
}

func (b *Broker) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Broker) Receive(ctx context.Context) (core.Delivery, error) {
	timer := time.NewTimer(b.PollTimeout)
	defer timer.Stop()
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrBrokerClosed
		}
		if len(b.queue) > 0 {
			msg := b.queue[0]
			b.queue = b.queue[1:]
			b.inflight++
			if len(b.queue) > 0 {
				b.signal()
			}
			b.mu.Unlock()
			return &delivery{broker: b, msg: msg}, nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, core.ErrNoMessage
		case <-b.notify:
		}
	}
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.signal()
	return nil
}

// Pending returns the number of queued, not yet received messages.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// InFlight returns the number of received, unsettled deliveries.
func (b *Broker) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inflight
}

// Published returns every message accepted so far, including redeliveries.
func (b *Broker) Published() []core.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]core.Message(nil), b.published...)
}

type delivery struct {
	broker  *Broker
	msg     core.Message
	settled bool
}

func (d *delivery) Message() core.Message { return d.msg }

func (d *delivery) Ack(context.Context) error {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	if d.settled {
		return nil
	}
	d.settled = true
	d.broker.inflight--
	return nil
}

func (d *delivery) Requeue(context.Context) error {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	if d.settled {
		return nil
	}
	d.settled = true
	d.broker.inflight--
	d.broker.queue = append(d.broker.queue, d.msg)
	d.broker.signal()
	return nil
}
