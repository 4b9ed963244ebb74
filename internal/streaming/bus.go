package streaming

import (
	"context"
	"maps"
	"sync"

	"github.com/rendis/scriptd/internal/logging"
	"github.com/rendis/scriptd/pkg/schema"
)

// Bus adapts an EventHub to the engine's event bus and state-change
// contracts.
type Bus struct {
	hub EventHub
}

// NewBus wraps hub.
func NewBus(hub EventHub) *Bus {
	return &Bus{hub: hub}
}

// Hub returns the underlying hub.
func (b *Bus) Hub() EventHub { return b.hub }

// Fire publishes a script event. The originating script and run are taken
// from ctx when present.
func (b *Bus) Fire(ctx context.Context, event string, data map[string]any) error {
	return b.hub.Publish(ctx, StreamEvent{
		EventType: event,
		ScriptID:  logging.ScriptID(ctx),
		RunID:     logging.RunID(ctx),
		Payload:   data,
	})
}

// Changes subscribes to state_changed notifications. The returned channel
// receives one value per notification until cancel is called.
func (b *Bus) Changes(ctx context.Context) (<-chan struct{}, func(), error) {
	events, cancel, err := b.hub.Subscribe(ctx, EventFilter{EventTypes: []string{schema.EventStateChanged}})
	if err != nil {
		return nil, nil, err
	}

	out := make(chan struct{}, 1)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			close(done)
		})
	}

	go func() {
		for {
			select {
			case <-events:
				select {
				case out <- struct{}{}:
				default:
					// a pending notification already covers this change
				}
			case <-done:
				return
			case <-ctx.Done():
				stop()
				return
			}
		}
	}()
	return out, stop, nil
}

// BreakpointHit publishes a script_breakpoint_hit event.
func (b *Bus) BreakpointHit(ctx context.Context, scriptID, runID, path string) {
	_ = b.hub.Publish(ctx, StreamEvent{
		EventType: schema.EventBreakpointHit,
		ScriptID:  scriptID,
		RunID:     runID,
		Path:      path,
		Payload:   map[string]any{"script_id": scriptID, "run_id": runID, "node": path},
	})
}

// States is an in-memory table of observable host state. Every change is
// published as a state_changed event so pending waits re-evaluate.
type States struct {
	bus *Bus

	mu     sync.RWMutex
	values map[string]any
}

// NewStates creates an empty state table publishing on bus.
func NewStates(bus *Bus) *States {
	return &States{bus: bus, values: make(map[string]any)}
}

// Set stores value under entity and publishes the change.
func (s *States) Set(ctx context.Context, entity string, value any) error {
	s.mu.Lock()
	old, existed := s.values[entity]
	s.values[entity] = value
	s.mu.Unlock()

	payload := map[string]any{"entity_id": entity, "new_state": value}
	if existed {
		payload["old_state"] = old
	}
	return s.bus.hub.Publish(ctx, StreamEvent{EventType: schema.EventStateChanged, Payload: payload})
}

// Get returns the value stored for entity.
func (s *States) Get(entity string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[entity]
	return v, ok
}

// Snapshot returns a copy of every stored value.
func (s *States) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}
