package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

// gateSink blocks deliveries until opened, then records them.
type gateSink struct {
	gate chan struct{}

	mu        sync.Mutex
	delivered []Event
	closed    bool
}

func newGateSink() *gateSink {
	return &gateSink{gate: make(chan struct{})}
}

func (s *gateSink) Append(ctx context.Context, ev Event) error {
	<-s.gate
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, ev)
	return nil
}

func (s *gateSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *gateSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

func TestAsyncAppendNeverBlocks(t *testing.T) {
	under := newGateSink()
	a := NewAsync(under, WithQueueDepth(4))

	// Far more events than the queue holds, with delivery stalled.
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := a.Append(context.Background(), New(TypeOperationState, nil)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("appends blocked for %s against a stalled sink", elapsed)
	}
	if a.Dropped() == 0 {
		t.Fatal("overflow must be counted as dropped")
	}

	close(under.gate)
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	delivered := under.count()
	if delivered == 0 {
		t.Fatal("queued events must be flushed on close")
	}
	if int64(delivered)+a.Dropped() != 100 {
		t.Fatalf("delivered %d + dropped %d != 100 appended", delivered, a.Dropped())
	}
	if !under.closed {
		t.Fatal("close must propagate to the underlying sink")
	}
}

func TestAsyncAppendAfterCloseIsNoOp(t *testing.T) {
	under := newGateSink()
	close(under.gate)
	a := NewAsync(under, WithQueueDepth(4))

	if err := a.Append(context.Background(), New(TypeOperationState, nil)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Producers can outlive the sink during shutdown; late appends must
	// be swallowed, not crash.
	if err := a.Append(context.Background(), New(TypeOperationState, nil)); err != nil {
		t.Fatalf("append after close: %v", err)
	}
	if n := under.count(); n != 1 {
		t.Fatalf("delivered %d events, want only the pre-close one", n)
	}
}

func TestAsyncPreservesOrder(t *testing.T) {
	under := newGateSink()
	close(under.gate)
	a := NewAsync(under, WithQueueDepth(64))

	for i := 0; i < 10; i++ {
		ev := New(TypeOperationState, map[string]any{"seq": i})
		if err := a.Append(context.Background(), ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	under.mu.Lock()
	defer under.mu.Unlock()
	if len(under.delivered) != 10 {
		t.Fatalf("delivered %d, want 10", len(under.delivered))
	}
	for i, ev := range under.delivered {
		if ev.Payload["seq"] != i {
			t.Fatalf("event %d has seq %v, delivery must preserve enqueue order", i, ev.Payload["seq"])
		}
	}
}
