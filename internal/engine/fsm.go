package engine

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/rendis/scriptd/internal/store"
	"github.com/rendis/scriptd/pkg/schema"
)

// TransitionHook is called after a run status transition.
type TransitionHook func(ctx context.Context, run *Run, from, to schema.RunStatus)

// EventAppender is satisfied by the Store and EventLog; used by the RunFSM to
// emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// statusNew is the status of a run before admission.
const statusNew schema.RunStatus = ""

// ValidRunTransitions defines the allowed status transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	statusNew:                {schema.RunStatusQueued, schema.RunStatusRunning},
	schema.RunStatusQueued:    {schema.RunStatusRunning, schema.RunStatusCancelled},
	schema.RunStatusRunning:   {schema.RunStatusSuspended, schema.RunStatusFinished, schema.RunStatusAborted, schema.RunStatusCancelled, schema.RunStatusError},
	schema.RunStatusSuspended: {schema.RunStatusRunning, schema.RunStatusFinished, schema.RunStatusAborted, schema.RunStatusCancelled, schema.RunStatusError},
	schema.RunStatusFinished:  {},
	schema.RunStatusAborted:   {},
	schema.RunStatusCancelled: {},
	schema.RunStatusError:     {},
}

type hookKey struct {
	from, to schema.RunStatus
}

// RunFSM validates run status transitions and records each one in the event
// log.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	after    map[hookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM that emits events via the given appender. A nil
// appender disables the event log.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{
		appender: appender,
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnAfter registers a hook called after a transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to for run and emits the corresponding
// event. The caller updates the run status.
func (f *RunFSM) Transition(ctx context.Context, run *Run, from, to schema.RunStatus, path string, payload map[string]any) error {
	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": run.ID, "from": string(from), "to": string(to)})
	}

	if err := f.emit(ctx, run, runEventType(from, to), path, payload); err != nil {
		return err
	}

	f.mu.Lock()
	hooks := slices.Clone(f.after[hookKey{from, to}])
	f.mu.Unlock()
	for _, hook := range hooks {
		hook(ctx, run, from, to)
	}
	return nil
}

// Record appends an event that is not a status transition, such as a
// rejection or a breakpoint hit.
func (f *RunFSM) Record(ctx context.Context, scriptID, runID, eventType, path string, payload map[string]any) error {
	return f.emit(ctx, &Run{ID: runID, ScriptID: scriptID}, eventType, path, payload)
}

func (f *RunFSM) emit(ctx context.Context, run *Run, eventType, path string, payload map[string]any) error {
	if f.appender == nil || eventType == "" {
		return nil
	}
	event := &store.Event{
		RunID:    run.ID,
		ScriptID: run.ScriptID,
		Path:     path,
		Type:     eventType,
	}
	if len(payload) > 0 {
		raw, err := json.Marshal(payload)
		if err != nil {
			return schema.NewError(schema.ErrCodeStore, "marshal event payload").WithCause(err)
		}
		event.Payload = raw
	}
	// The log must survive the run being cancelled.
	if err := f.appender.AppendEvent(context.WithoutCancel(ctx), event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
	}
	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	return slices.Contains(ValidRunTransitions[from], to)
}

func runEventType(from, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusQueued:
		return schema.EventRunQueued
	case schema.RunStatusRunning:
		if from == schema.RunStatusSuspended {
			return schema.EventRunResumed
		}
		return schema.EventRunStarted
	case schema.RunStatusSuspended:
		return schema.EventRunSuspended
	case schema.RunStatusFinished:
		return schema.EventRunFinished
	case schema.RunStatusAborted:
		return schema.EventRunAborted
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	case schema.RunStatusError:
		return schema.EventRunErrored
	default:
		return ""
	}
}
