package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/scriptd/pkg/schema"
)

// Event is one entry of the append-only run log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	ScriptID  string          `json:"script_id"`
	Path      string          `json:"path,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// EventFilter narrows GetEventsByType.
type EventFilter struct {
	RunID    string     `json:"run_id,omitempty"`
	ScriptID string     `json:"script_id,omitempty"`
	Since    *time.Time `json:"since,omitempty"`
	Limit    int        `json:"limit,omitempty"`
}

// RunRecord is the persisted outcome of a finished run.
type RunRecord struct {
	RunID      string           `json:"run_id"`
	ScriptID   string           `json:"script_id"`
	Execution  schema.Execution `json:"script_execution"`
	Error      string           `json:"error,omitempty"`
	Response   json.RawMessage  `json:"response,omitempty"`
	Trace      json.RawMessage  `json:"trace,omitempty"`
	LastStep   string           `json:"last_step,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// RunFilter narrows ListRuns. Results are newest first.
type RunFilter struct {
	ScriptID  string           `json:"script_id,omitempty"`
	Execution schema.Execution `json:"script_execution,omitempty"`
	Since     *time.Time       `json:"since,omitempty"`
	Limit     int              `json:"limit,omitempty"`
	Offset    int              `json:"offset,omitempty"`
}

// ScriptRecord is a registered script definition.
type ScriptRecord struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Mode       schema.Mode     `json:"mode"`
	Definition json.RawMessage `json:"definition"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
