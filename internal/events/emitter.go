package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/logging"
)

// Recorder receives events synchronously before they enter the queue.
// Implementations must be cheap; the traffic monitor uses this hook for
// low-latency window counting.
type Recorder interface {
	Record(ev *TrafficEvent)
}

// Emitter hands one TrafficEvent per request to the queue without ever
// blocking or failing the response path. Events flow through a bounded
// internal buffer to a single publisher goroutine; when the buffer or the
// queue is full the event is dropped and counted, never retried inline.
type Emitter struct {
	queue    Queue
	recorder Recorder
	edge     string

	buf      chan *TrafficEvent
	dropped  atomic.Int64
	emitted  atomic.Int64
	degraded *logging.Throttled

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewEmitter creates an Emitter stamping events with the given edge
// location. recorder may be nil.
func NewEmitter(queue Queue, recorder Recorder, edgeLocation string, bufSize int) *Emitter {
	if bufSize <= 0 {
		bufSize = 4096
	}
	e := &Emitter{
		queue:    queue,
		recorder: recorder,
		edge:     edgeLocation,
		buf:      make(chan *TrafficEvent, bufSize),
		degraded: logging.NewThrottled(0.2, 3),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go e.publishLoop()
	return e
}

// Emit fills in the event's token, timestamp, and edge location and hands
// it off. Fire and forget: errors are counted and logged, never surfaced.
func (e *Emitter) Emit(ev *TrafficEvent) {
	if ev.Token == "" {
		ev.Token = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.EdgeLocation == "" {
		ev.EdgeLocation = e.edge
	}

	if e.recorder != nil {
		e.recorder.Record(ev)
	}

	select {
	case e.buf <- ev:
	default:
		e.dropped.Add(1)
		e.degraded.Warn("event buffer full, dropping event",
			zap.String("path", ev.Path))
	}
}

func (e *Emitter) publishLoop() {
	defer close(e.done)
	for {
		select {
		case ev := <-e.buf:
			e.publish(ev)
		case <-e.stop:
			// Drain what is already buffered, then exit.
			for {
				select {
				case ev := <-e.buf:
					e.publish(ev)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) publish(ev *TrafficEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := e.queue.Publish(ctx, ev); err != nil {
		e.dropped.Add(1)
		e.degraded.Warn("event publish failed, dropping event", zap.Error(err))
		return
	}
	e.emitted.Add(1)
}

// Dropped returns the local drop counter.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Emitted returns the number of successfully published events.
func (e *Emitter) Emitted() int64 {
	return e.emitted.Load()
}

// Close flushes buffered events and stops the publisher.
func (e *Emitter) Close() {
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done
}
