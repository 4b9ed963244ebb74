package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/scriptd/internal/trace"
)

// DefaultKeepRuns is how many finished runs per script TraceArchive keeps.
const DefaultKeepRuns = 50

// TraceArchive persists finished traces as run records and prunes old runs.
type TraceArchive struct {
	store Store
	keep  int
}

// NewTraceArchive creates a TraceArchive. keep <= 0 uses DefaultKeepRuns.
func NewTraceArchive(s Store, keep int) *TraceArchive {
	if keep <= 0 {
		keep = DefaultKeepRuns
	}
	return &TraceArchive{store: s, keep: keep}
}

// SaveTrace implements trace.Persister.
func (a *TraceArchive) SaveTrace(ctx context.Context, snap trace.Snapshot) error {
	tr, err := json.Marshal(snap.Elements)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	var response json.RawMessage
	if snap.Response != nil {
		if response, err = json.Marshal(snap.Response); err != nil {
			return fmt.Errorf("marshal response: %w", err)
		}
	}

	rec := &RunRecord{
		RunID:      snap.RunID,
		ScriptID:   snap.ScriptID,
		Execution:  snap.Execution,
		Error:      snap.Error,
		Response:   response,
		Trace:      tr,
		LastStep:   snap.LastStep,
		StartedAt:  snap.Started,
		FinishedAt: snap.Finished,
	}
	if err := a.store.SaveRun(ctx, rec); err != nil {
		return fmt.Errorf("save run %s: %w", snap.RunID, err)
	}
	if _, err := a.store.PruneRuns(ctx, snap.ScriptID, a.keep); err != nil {
		return fmt.Errorf("prune runs of %s: %w", snap.ScriptID, err)
	}
	return nil
}

var _ trace.Persister = (*TraceArchive)(nil)
