// Package events defines the gateway's audit event model and the sink
// contract lifecycle transitions are appended to. Delivery is
// fire-and-forget with at-least-once intent; sinks must never be on the
// critical path of a state transition (see AsyncSink).
package events

import (
	"context"
	"time"
)

// Well-known event types emitted by the gateway. Consumers partition on
// these, so they are stable identifiers rather than display strings.
const (
	TypeSessionOpened    = "session.opened"
	TypeSessionClosed    = "session.closed"
	TypeOperationState   = "operation.state"
	TypeEngineLaunching  = "engine.launching"
	TypeEngineRunning    = "engine.running"
	TypeEngineUnhealthy  = "engine.unhealthy"
	TypeEngineTerminated = "engine.terminated"
)

// Partition is one ordered key=value pair of an event's partition path.
type Partition struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Event is an immutable, write-once audit record. It is never mutated
// after emission.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	// Partitions are ordered; sinks that persist hierarchically use
	// them, in order, as the directory or stream path.
	Partitions []Partition    `json:"partitions,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// New builds an event stamped with the current time.
func New(eventType string, payload map[string]any, partitions ...Partition) Event {
	return Event{
		Type:       eventType,
		Time:       time.Now().UTC(),
		Partitions: partitions,
		Payload:    payload,
	}
}

// Sink receives gateway events. Append should be cheap; implementations
// doing real I/O are expected to be wrapped in an AsyncSink.
type Sink interface {
	Append(ctx context.Context, ev Event) error
	Close() error
}

// Discard is a Sink that drops every event.
type Discard struct{}

func (Discard) Append(ctx context.Context, ev Event) error { return nil }
func (Discard) Close() error                               { return nil }
