package schema

// Event type constants for the run event log.
const (
	EventRunQueued    = "run_queued"
	EventRunStarted   = "run_started"
	EventRunSuspended = "run_suspended"
	EventRunResumed   = "run_resumed"
	EventRunFinished  = "run_finished"
	EventRunAborted   = "run_aborted"
	EventRunCancelled = "run_cancelled"
	EventRunErrored   = "run_errored"
	EventRunRejected  = "run_rejected"

	EventBreakpointHit = "script_breakpoint_hit"
)

// Hub event types the engine publishes or listens to on the event bus.
const (
	// EventStateChanged is published by hosts whenever observable state
	// changes; pending wait_template predicates are re-evaluated on it.
	EventStateChanged = "state_changed"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuspended RunStatus = "suspended"
	RunStatusFinished  RunStatus = "finished"
	RunStatusAborted   RunStatus = "aborted"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusError     RunStatus = "error"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusFinished, RunStatusAborted, RunStatusCancelled, RunStatusError:
		return true
	}
	return false
}

// Execution is the scalar script_execution value kept after a run ends.
type Execution string

const (
	ExecutionFinished      Execution = "finished"
	ExecutionAborted       Execution = "aborted"
	ExecutionCancelled     Execution = "cancelled"
	ExecutionError         Execution = "error"
	ExecutionFailedSingle  Execution = "failed_single"
	ExecutionFailedMaxRuns Execution = "failed_max_runs"
)
