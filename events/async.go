package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultQueueDepth = 1024

// AsyncSink decouples event producers from a slow underlying sink with
// a bounded queue and a single drain goroutine. Enqueue never blocks:
// when the queue is full the event is counted as dropped instead.
// Events are drained in enqueue order, so emission stays causally
// ordered with the transitions that produced them.
type AsyncSink struct {
	sink    Sink
	log     *slog.Logger
	queue   chan Event
	dropped atomic.Int64

	// mu orders enqueues against Close so the queue is never closed
	// mid-send.
	mu     sync.RWMutex
	closed bool

	closeOnce sync.Once
	done      chan struct{}
}

// AsyncOption configures an AsyncSink.
type AsyncOption func(*AsyncSink)

// WithQueueDepth overrides the bounded queue size.
func WithQueueDepth(n int) AsyncOption {
	return func(a *AsyncSink) {
		if n > 0 {
			a.queue = make(chan Event, n)
		}
	}
}

// WithLogger sets the logger used for delivery failures.
func WithLogger(l *slog.Logger) AsyncOption {
	return func(a *AsyncSink) {
		if l != nil {
			a.log = l
		}
	}
}

// NewAsync wraps sink with a bounded asynchronous queue.
func NewAsync(sink Sink, opts ...AsyncOption) *AsyncSink {
	a := &AsyncSink{
		sink:  sink,
		log:   slog.New(slog.DiscardHandler),
		queue: make(chan Event, defaultQueueDepth),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	go a.drain()
	return a
}

// Append enqueues the event. A full queue drops the event and returns
// nil: audit delivery is best-effort and must not fail the caller.
// Appends after Close are no-ops.
func (a *AsyncSink) Append(ctx context.Context, ev Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil
	}
	select {
	case a.queue <- ev:
	default:
		n := a.dropped.Add(1)
		if n == 1 || n%1000 == 0 {
			a.log.Warn("event queue full, dropping", "dropped_total", n, "event_type", ev.Type)
		}
	}
	return nil
}

// Dropped reports how many events were discarded due to backpressure.
func (a *AsyncSink) Dropped() int64 { return a.dropped.Load() }

// Close stops the drain loop after flushing queued events, then closes
// the underlying sink.
func (a *AsyncSink) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		close(a.queue)
		<-a.done
	})
	return a.sink.Close()
}

func (a *AsyncSink) drain() {
	defer close(a.done)
	for ev := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.sink.Append(ctx, ev); err != nil {
			a.log.Warn("event delivery failed", "event_type", ev.Type, "err", err)
		}
		cancel()
	}
}
