package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/logging"
)

// AMQPQueue is an AMQP-backed Queue. Deliveries stay unacked until the
// caller settles the batch through the AckFunc, so a crash before
// processing completes redelivers the batch; idempotency tokens make the
// redelivery safe to fold again.
type AMQPQueue struct {
	url       string
	queueName string

	mu         sync.Mutex
	conn       *amqp091.Connection
	ch         *amqp091.Channel
	deliveries <-chan amqp091.Delivery
}

// NewAMQPQueue connects to the broker and declares a durable queue.
func NewAMQPQueue(url, queueName string) (*AMQPQueue, error) {
	q := &AMQPQueue{url: url, queueName: queueName}
	if err := q.connect(); err != nil {
		return nil, err
	}
	return q, nil
}

// connect dials the broker and declares the queue. Callers hold no lock.
func (q *AMQPQueue) connect() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.connectLocked()
}

func (q *AMQPQueue) connectLocked() error {
	conn, err := amqp091.Dial(q.url)
	if err != nil {
		return fmt.Errorf("amqp: connect failed: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp: channel failed: %w", err)
	}
	if _, err := ch.QueueDeclare(q.queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("amqp: queue declare failed: %w", err)
	}

	q.conn = conn
	q.ch = ch
	q.deliveries = nil
	return nil
}

// reconnect re-establishes the connection with exponential backoff.
func (q *AMQPQueue) reconnect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err := q.connect(); err != nil {
			logging.Warn("amqp reconnect attempt failed", zap.Error(err))
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

func (q *AMQPQueue) Publish(ctx context.Context, ev *TrafficEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	q.mu.Lock()
	ch := q.ch
	q.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("amqp: not connected")
	}

	return ch.PublishWithContext(ctx, "", q.queueName, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    ev.Token,
		Timestamp:    ev.Timestamp,
		Body:         body,
	})
}

func (q *AMQPQueue) Consume(ctx context.Context, max int, wait time.Duration) ([]*TrafficEvent, AckFunc, error) {
	if max <= 0 {
		max = 100
	}

	deliveries, err := q.ensureDeliveries()
	if err != nil {
		if rerr := q.reconnect(ctx); rerr != nil {
			return nil, noopAck, rerr
		}
		if deliveries, err = q.ensureDeliveries(); err != nil {
			return nil, noopAck, err
		}
	}

	var batch []*TrafficEvent
	var pending []amqp091.Delivery

	timer := time.NewTimer(wait)
	defer timer.Stop()

	// Block for the first delivery only.
	select {
	case d, ok := <-deliveries:
		if !ok {
			return nil, noopAck, fmt.Errorf("amqp: delivery channel closed")
		}
		pending = append(pending, d)
	case <-timer.C:
		return nil, noopAck, nil
	case <-ctx.Done():
		return nil, noopAck, ctx.Err()
	}

	// Drain whatever else is immediately available.
	draining := true
	for draining && len(pending) < max {
		select {
		case d, ok := <-deliveries:
			if !ok {
				draining = false
				break
			}
			pending = append(pending, d)
		default:
			draining = false
		}
	}

	var settled []amqp091.Delivery
	for _, d := range pending {
		var ev TrafficEvent
		if err := json.Unmarshal(d.Body, &ev); err != nil {
			logging.Warn("amqp: dropping undecodable event", zap.Error(err))
			d.Nack(false, false)
			continue
		}
		batch = append(batch, &ev)
		settled = append(settled, d)
	}
	return batch, ackDeliveries(settled), nil
}

// ackDeliveries settles the batch's deliveries: ack on success, nack with
// requeue on failure so the broker redelivers.
func ackDeliveries(deliveries []amqp091.Delivery) AckFunc {
	done := false
	return func(ok bool) {
		if done {
			return
		}
		done = true
		for _, d := range deliveries {
			if ok {
				if err := d.Ack(false); err != nil {
					logging.Warn("amqp: ack failed", zap.Error(err))
					return
				}
				continue
			}
			if err := d.Nack(false, true); err != nil {
				logging.Warn("amqp: nack failed", zap.Error(err))
				return
			}
		}
	}
}

// ensureDeliveries starts the consumer stream once per connection.
func (q *AMQPQueue) ensureDeliveries() (<-chan amqp091.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ch == nil {
		return nil, fmt.Errorf("amqp: not connected")
	}
	if q.deliveries != nil {
		return q.deliveries, nil
	}

	if err := q.ch.Qos(500, 0, false); err != nil {
		return nil, fmt.Errorf("amqp: qos failed: %w", err)
	}
	deliveries, err := q.ch.Consume(q.queueName, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("amqp: consume failed: %w", err)
	}
	q.deliveries = deliveries
	return deliveries, nil
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ch != nil {
		q.ch.Close()
		q.ch = nil
	}
	if q.conn != nil {
		err := q.conn.Close()
		q.conn = nil
		return err
	}
	return nil
}
