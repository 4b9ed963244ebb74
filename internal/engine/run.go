package engine

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rendis/scriptd/internal/trace"
	"github.com/rendis/scriptd/pkg/schema"
)

// RunResult is the outcome of a finished run.
type RunResult struct {
	RunID     string           `json:"run_id"`
	ScriptID  string           `json:"script_id"`
	Execution schema.Execution `json:"script_execution"`
	Response  any              `json:"response,omitempty"`
	// Variables is the root scope of the run when it ended.
	Variables map[string]any `json:"variables,omitempty"`
	// Error is the error that aborted or failed the run. Runs finished by a
	// non-error stop, cancelled runs and runs halted by a false condition
	// carry none.
	Error error `json:"-"`
}

// Run is one execution of a script.
type Run struct {
	ID       string
	ScriptID string
	Created  time.Time

	script *Script
	ctx    context.Context
	cancel context.CancelCauseFunc
	trace  *trace.Trace
	done   chan struct{}
	once   sync.Once

	// start is closed when a queued run is promoted.
	start chan struct{}

	mu         sync.Mutex
	status     schema.RunStatus
	started    time.Time
	paths      map[string]int
	waits      int
	lastAction string
	result     *RunResult
}

// Status returns the current status.
func (r *Run) Status() schema.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Started returns when the run began executing; zero while queued.
func (r *Run) Started() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Done is closed when the run has ended.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Result returns the outcome, or nil while the run is active.
func (r *Run) Result() *RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Wait blocks until the run ends or ctx is done.
func (r *Run) Wait(ctx context.Context) (*RunResult, error) {
	select {
	case <-r.done:
		return r.Result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CurrentPaths returns the paths of the nodes executing right now, sorted.
// Inside a parallel node there is one per active branch.
func (r *Run) CurrentPaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.paths))
	for p := range r.paths {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// LastAction returns the label of the most recently started node.
func (r *Run) LastAction() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAction
}

func (r *Run) enter(path, label string) {
	r.mu.Lock()
	r.paths[path]++
	r.lastAction = label
	r.mu.Unlock()
	r.script.setLastAction(label)
}

func (r *Run) leave(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paths[path]--; r.paths[path] <= 0 {
		delete(r.paths, path)
	}
}

// transition moves the run to status to, recording the event. Invalid
// transitions are logged and leave the status unchanged.
func (r *Run) transition(ctx context.Context, to schema.RunStatus, path string, payload map[string]any) {
	from, ok := r.setStatus(ctx, to)
	if ok {
		r.record(ctx, from, to, path, payload)
	}
}

// setStatus applies a valid transition and reports the previous status.
// It reports false for a no-op or an invalid move.
func (r *Run) setStatus(ctx context.Context, to schema.RunStatus) (schema.RunStatus, bool) {
	r.mu.Lock()
	from := r.status
	if from == to {
		r.mu.Unlock()
		return from, false
	}
	if !isValidRunTransition(from, to) {
		r.mu.Unlock()
		r.script.logger.WarnContext(ctx, "invalid run transition ignored",
			slog.String("from", string(from)), slog.String("to", string(to)))
		return from, false
	}
	r.status = to
	if to == schema.RunStatusRunning && r.started.IsZero() {
		r.started = time.Now().UTC()
	}
	r.mu.Unlock()
	return from, true
}

func (r *Run) record(ctx context.Context, from, to schema.RunStatus, path string, payload map[string]any) {
	if err := r.script.engine.fsm.Transition(ctx, r, from, to, path, payload); err != nil {
		r.script.logger.WarnContext(ctx, "run transition failed", slog.String("error", err.Error()))
	}
}

// suspend marks the run suspended while at least one wait is pending.
func (r *Run) suspend(ctx context.Context, path string) {
	r.mu.Lock()
	r.waits++
	first := r.waits == 1 && r.status == schema.RunStatusRunning
	r.mu.Unlock()
	if first {
		r.transition(ctx, schema.RunStatusSuspended, path, nil)
	}
}

// resume undoes suspend.
func (r *Run) resume(ctx context.Context, path string) {
	r.mu.Lock()
	r.waits--
	last := r.waits == 0 && r.status == schema.RunStatusSuspended
	r.mu.Unlock()
	if last {
		r.transition(ctx, schema.RunStatusRunning, path, nil)
	}
}

// stop cancels the run context and every pending wait of the run.
func (r *Run) stop(cause error) {
	r.cancel(cause)
	r.script.engine.waiter.CancelRun(r.ID)
}

// complete records the outcome exactly once. Later calls are no-ops, so a
// run force-finished by Shutdown keeps its first result.
func (r *Run) complete(ctx context.Context, result *RunResult) {
	r.once.Do(func() {
		var payload map[string]any
		if result.Error != nil {
			payload = map[string]any{"error": result.Error.Error()}
			if code := schema.CodeOf(result.Error); code != "" {
				payload["code"] = code
			}
		}
		r.transition(ctx, executionStatus(result.Execution), "", payload)

		r.trace.Finish(result.Execution, result.Error, result.Response)
		r.script.engine.traces.Complete(ctx, r.trace)

		r.mu.Lock()
		r.result = result
		r.paths = map[string]int{}
		r.mu.Unlock()

		r.script.release(r)
		r.script.engine.forget(r)
		r.script.engine.debugger.ClearRun(r.ScriptID, r.ID)
		r.cancel(nil)
		close(r.done)
	})
}

func executionStatus(ex schema.Execution) schema.RunStatus {
	switch ex {
	case schema.ExecutionFinished:
		return schema.RunStatusFinished
	case schema.ExecutionAborted:
		return schema.RunStatusAborted
	case schema.ExecutionCancelled:
		return schema.RunStatusCancelled
	default:
		return schema.RunStatusError
	}
}
