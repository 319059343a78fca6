package events

import (
	"context"
	"errors"
	"time"
)

// ErrQueueFull is returned by Publish when the queue cannot accept the
// event without blocking.
var ErrQueueFull = errors.New("event queue full")

// AckFunc settles a consumed batch: ok acknowledges it, !ok returns it
// to the queue for redelivery. Calling it more than once is a no-op.
type AckFunc func(ok bool)

// Queue transports traffic events from the emitter to the aggregation
// consumer with at-least-once delivery.
type Queue interface {
	// Publish enqueues one event. Must not block beyond a short bound.
	Publish(ctx context.Context, ev *TrafficEvent) error

	// Consume returns up to max events, waiting up to wait for the first
	// one, plus an AckFunc the caller must invoke once the batch has been
	// durably processed. An empty batch is a normal idle result, not an
	// error; its AckFunc is a no-op.
	Consume(ctx context.Context, max int, wait time.Duration) ([]*TrafficEvent, AckFunc, error)

	Close() error
}

func noopAck(bool) {}

// MemoryQueue is a bounded in-process Queue for single-node deployments
// and tests.
type MemoryQueue struct {
	ch chan *TrafficEvent
}

// NewMemoryQueue creates a MemoryQueue with the given capacity.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryQueue{ch: make(chan *TrafficEvent, capacity)}
}

func (q *MemoryQueue) Publish(_ context.Context, ev *TrafficEvent) error {
	select {
	case q.ch <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, max int, wait time.Duration) ([]*TrafficEvent, AckFunc, error) {
	if max <= 0 {
		max = 100
	}

	var batch []*TrafficEvent

	// Block for the first event only.
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ev, ok := <-q.ch:
		if !ok {
			return nil, noopAck, nil
		}
		batch = append(batch, ev)
	case <-timer.C:
		return nil, noopAck, nil
	case <-ctx.Done():
		return nil, noopAck, ctx.Err()
	}

	// Drain whatever else is immediately available.
	for len(batch) < max {
		select {
		case ev, ok := <-q.ch:
			if !ok {
				return batch, q.ackFor(batch), nil
			}
			batch = append(batch, ev)
		default:
			return batch, q.ackFor(batch), nil
		}
	}
	return batch, q.ackFor(batch), nil
}

// ackFor returns a settle function that requeues the batch on failure.
// Requeueing is best-effort: events that no longer fit are dropped.
func (q *MemoryQueue) ackFor(batch []*TrafficEvent) AckFunc {
	settled := false
	return func(ok bool) {
		if settled {
			return
		}
		settled = true
		if ok {
			return
		}
		for _, ev := range batch {
			select {
			case q.ch <- ev:
			default:
				return
			}
		}
	}
}

func (q *MemoryQueue) Close() error {
	close(q.ch)
	return nil
}

// Len returns the number of queued events.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}
