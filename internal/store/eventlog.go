package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/scriptd/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run
// sequence. A write-intent statement runs first so the sequence read and the
// insert happen under the write lock.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := el.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// Transition is one status change reconstructed from the log.
type Transition struct {
	Status   schema.RunStatus `json:"status"`
	Path     string           `json:"path,omitempty"`
	Sequence int64            `json:"sequence"`
	Payload  json.RawMessage  `json:"payload,omitempty"`
}

// ReplayRun replays the lifecycle events of a run and returns its status
// history, oldest first. Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayRun(ctx context.Context, runID string) ([]Transition, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	var history []Transition
	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
		status, ok := eventStatus[e.Type]
		if !ok {
			continue
		}
		history = append(history, Transition{Status: status, Path: e.Path, Sequence: e.Sequence, Payload: e.Payload})
	}
	return history, nil
}

var eventStatus = map[string]schema.RunStatus{
	schema.EventRunQueued:    schema.RunStatusQueued,
	schema.EventRunStarted:   schema.RunStatusRunning,
	schema.EventRunResumed:   schema.RunStatusRunning,
	schema.EventRunSuspended: schema.RunStatusSuspended,
	schema.EventRunFinished:  schema.RunStatusFinished,
	schema.EventRunAborted:   schema.RunStatusAborted,
	schema.EventRunCancelled: schema.RunStatusCancelled,
	schema.EventRunErrored:   schema.RunStatusError,
}
