// Package memorysink is an in-memory events.Sink for tests.
package memorysink

import (
	"context"
	"sync"

	"github.com/sqlfront/sqlfront/events"
)

// Sink records every appended event in order.
type Sink struct {
	mu     sync.Mutex
	events []events.Event
}

func New() *Sink {
	return &Sink{}
}

func (s *Sink) Append(ctx context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *Sink) Close() error { return nil }

// Events returns a snapshot of everything appended so far.
func (s *Sink) Events() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, len(s.events))
	copy(out, s.events)
	return out
}

// CountByType returns how many events of the given type were appended.
func (s *Sink) CountByType(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}
