package streaming

import (
	"context"

	"github.com/rendis/floe/pkg/schema"
)

// EventFilter specifies which runtime events a subscriber wants to receive.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time run events.
//
// Publish fans an event out to channel subscribers and, synchronously and in
// order, to registered listeners. Listeners observe every event in emission
// order; channel subscribers trade ordering guarantees under load for
// non-blocking publishers.
type EventHub interface {
	Publish(ctx context.Context, event schema.RuntimeEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.RuntimeEvent, func(), error)
	Listen(fn func(schema.RuntimeEvent))
}
