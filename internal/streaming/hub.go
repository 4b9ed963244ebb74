package streaming

import (
	"context"
	"time"
)

// StreamEvent is an event on the in-process bus: events fired by scripts,
// state changes published by the host and engine notifications such as
// breakpoint hits.
type StreamEvent struct {
	EventType string    `json:"event_type"`
	ScriptID  string    `json:"script_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Path      string    `json:"path,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Time      time.Time `json:"time"`
}

// Data returns the payload as a map, or nil when it is not one.
func (e StreamEvent) Data() map[string]any {
	m, _ := e.Payload.(map[string]any)
	return m
}

// EventFilter selects events for a subscription.
type EventFilter struct {
	ScriptID   string   `json:"script_id,omitempty"`
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for bus events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
