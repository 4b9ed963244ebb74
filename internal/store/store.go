package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Scripts
	SaveScript(ctx context.Context, rec *ScriptRecord) error
	GetScript(ctx context.Context, id string) (*ScriptRecord, error)
	ListScripts(ctx context.Context) ([]*ScriptRecord, error)
	DeleteScript(ctx context.Context, id string) error

	// Runs
	SaveRun(ctx context.Context, rec *RunRecord) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error)
	PruneRuns(ctx context.Context, scriptID string, keep int) (int64, error)

	// Event Sourcing (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
