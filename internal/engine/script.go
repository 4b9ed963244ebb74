package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/scriptd/internal/logging"
	"github.com/rendis/scriptd/pkg/schema"
)

// ErrRunRejected is the cause of every admission rejection. The returned
// ScriptError carries the run id and execution in its details.
var ErrRunRejected = schema.NewError(schema.ErrCodeRejected, "run rejected")

// Script is a loaded definition together with its admission state.
type Script struct {
	engine *Engine
	def    *schema.ScriptDefinition
	steps  []schema.Step
	logger *slog.Logger
	// level is the max_exceeded log level; nil when silent.
	level *slog.Level

	mu         sync.Mutex
	runs       map[string]*Run
	queue      []*Run
	running    int
	retired    bool
	lastAction string
}

// ID returns the script id.
func (s *Script) ID() string { return s.def.ID }

// Definition returns the definition the script was loaded from.
func (s *Script) Definition() *schema.ScriptDefinition { return s.def }

// Steps returns the parsed top-level sequence.
func (s *Script) Steps() []schema.Step { return s.steps }

// Submit admits a new run according to the script mode and returns without
// waiting for it. A rejected submission returns an error wrapping
// ErrRunRejected. The run is detached from ctx cancellation; use Stop.
func (s *Script) Submit(ctx context.Context, vars map[string]any) (*Run, error) {
	run := s.newRun(ctx)

	s.mu.Lock()
	if s.retired {
		s.mu.Unlock()
		run.cancel(nil)
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "script %s is no longer loaded", s.ID())
	}
	run.trace = s.engine.traces.Start(s.ID(), run.ID)

	var displaced []*Run
	switch s.def.Mode {
	case schema.ModeSingle:
		if len(s.runs) > 0 {
			s.mu.Unlock()
			return nil, s.reject(ctx, run, schema.ExecutionFailedSingle)
		}
	case schema.ModeParallel:
		if len(s.runs) >= s.def.Max {
			s.mu.Unlock()
			return nil, s.reject(ctx, run, schema.ExecutionFailedMaxRuns)
		}
	case schema.ModeQueued:
		if s.running >= s.def.Max {
			// Queued before release can see the run, so promotion always
			// finds it queued and its event follows run_queued.
			s.runs[run.ID] = run
			s.queue = append(s.queue, run)
			pending := len(s.queue)
			if from, ok := run.setStatus(run.ctx, schema.RunStatusQueued); ok {
				run.record(run.ctx, from, schema.RunStatusQueued, "", nil)
			}
			s.mu.Unlock()

			s.engine.track(run)
			s.logger.InfoContext(run.ctx, "queueing run", slog.Int("pending", pending))
			go s.execute(run, vars, nil)
			return run, nil
		}
	case schema.ModeRestart:
		for _, r := range s.runs {
			displaced = append(displaced, r)
		}
	}
	s.runs[run.ID] = run
	s.running++
	s.mu.Unlock()

	s.engine.track(run)
	run.transition(run.ctx, schema.RunStatusRunning, "", nil)
	if len(displaced) > 0 {
		s.logger.InfoContext(run.ctx, "restarting script", slog.Int("displaced", len(displaced)))
		for _, r := range displaced {
			r.stop(schema.NewError(schema.ErrCodeCancelled, "restarted"))
		}
	}
	go s.execute(run, vars, displaced)
	return run, nil
}

// Run submits and waits for the outcome. A rejection is reported as a
// result with the failed_single or failed_max_runs execution and no error.
// A run that fails with a runtime error returns it alongside the result.
// When ctx is done first the run is stopped.
func (s *Script) Run(ctx context.Context, vars map[string]any) (*RunResult, error) {
	run, err := s.Submit(ctx, vars)
	if err != nil {
		if errors.Is(err, ErrRunRejected) {
			return rejectedResult(s.ID(), err), nil
		}
		return nil, err
	}

	res, err := run.Wait(ctx)
	if err != nil {
		run.stop(schema.NewError(schema.ErrCodeCancelled, "caller went away").WithCause(err))
		<-run.Done()
		return run.Result(), err
	}
	if res.Execution == schema.ExecutionError {
		return res, res.Error
	}
	return res, nil
}

// Stop cancels the run with runID, or every run of the script when runID
// is empty, and waits for them to end or ctx to be done. Queued runs leave
// the queue without starting.
func (s *Script) Stop(ctx context.Context, runID string) error {
	s.mu.Lock()
	var targets []*Run
	if runID == "" {
		for _, r := range s.runs {
			targets = append(targets, r)
		}
	} else if r, ok := s.runs[runID]; ok {
		targets = append(targets, r)
	}
	s.mu.Unlock()

	if runID != "" && len(targets) == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %s is not active in script %s", runID, s.ID())
	}

	for _, r := range targets {
		if s.dequeue(r) {
			r.complete(r.ctx, &RunResult{RunID: r.ID, ScriptID: s.ID(), Execution: schema.ExecutionCancelled})
			continue
		}
		r.stop(schema.NewError(schema.ErrCodeCancelled, "stopped"))
	}
	for _, r := range targets {
		select {
		case <-r.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Runs returns the active runs, queued ones included.
func (s *Script) Runs() []*Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	return out
}

// IsRunning reports whether any run is active.
func (s *Script) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs) > 0
}

// Pending returns the number of queued runs.
func (s *Script) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// LastAction returns the label of the node most recently started by any run.
func (s *Script) LastAction() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAction
}

func (s *Script) setLastAction(label string) {
	s.mu.Lock()
	s.lastAction = label
	s.mu.Unlock()
}

func (s *Script) newRun(ctx context.Context) *Run {
	runID := uuid.New().String()
	runCtx, cancel := context.WithCancelCause(logging.WithIDs(context.WithoutCancel(ctx), s.ID(), runID))
	return &Run{
		ID:       runID,
		ScriptID: s.ID(),
		Created:  time.Now().UTC(),
		script:   s,
		ctx:      runCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		start:    make(chan struct{}),
		paths:    make(map[string]int),
	}
}

// reject finishes run without executing it.
func (s *Script) reject(ctx context.Context, run *Run, execution schema.Execution) error {
	defer run.cancel(nil)
	ctx = logging.WithIDs(ctx, s.ID(), run.ID)

	if s.level != nil {
		s.logger.Log(ctx, *s.level, "already running", slog.String("mode", string(s.def.Mode)), slog.Int("max", s.def.Max))
	}
	run.trace.Finish(execution, nil, nil)
	s.engine.traces.Complete(ctx, run.trace)
	if err := s.engine.fsm.Record(ctx, s.ID(), run.ID, schema.EventRunRejected, "", map[string]any{"execution": string(execution)}); err != nil {
		s.logger.WarnContext(ctx, "record rejection failed", slog.String("error", err.Error()))
	}
	s.engine.remember(run.ID, execution)

	return schema.NewErrorf(schema.ErrCodeRejected, "script %s rejected run: %s", s.ID(), execution).
		WithCause(ErrRunRejected).
		WithDetails(map[string]any{"run_id": run.ID, "execution": string(execution)})
}

func rejectedResult(scriptID string, err error) *RunResult {
	res := &RunResult{ScriptID: scriptID}
	var se *schema.ScriptError
	if errors.As(err, &se) {
		res.RunID, _ = se.Details["run_id"].(string)
		if ex, ok := se.Details["execution"].(string); ok {
			res.Execution = schema.Execution(ex)
		}
	}
	return res
}

// execute runs the body once the run may start: after every displaced run
// has ended, or after the queue promotes it.
func (s *Script) execute(run *Run, vars map[string]any, displaced []*Run) {
	for _, d := range displaced {
		select {
		case <-d.Done():
		case <-run.ctx.Done():
		}
	}
	if run.Status() == schema.RunStatusQueued {
		select {
		case <-run.start:
		case <-run.done:
			return
		}
	}
	run.complete(run.ctx, s.engine.interpret(run, vars))
}

// dequeue removes a queued run. It reports false when the run already
// started.
func (s *Script) dequeue(run *Run) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.queue {
		if q == run {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			delete(s.runs, run.ID)
			return true
		}
	}
	return false
}

// release drops an ended run and promotes the next queued one.
func (s *Script) release(run *Run) {
	s.mu.Lock()
	if _, ok := s.runs[run.ID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.runs, run.ID)
	s.running--

	var next *Run
	if len(s.queue) > 0 && s.running < s.def.Max {
		next = s.queue[0]
		s.queue = s.queue[1:]
		s.running++
	}
	s.mu.Unlock()

	if next != nil {
		next.transition(next.ctx, schema.RunStatusRunning, "", nil)
		close(next.start)
	}
}

// retire stops admissions. Active runs continue.
func (s *Script) retire() {
	s.mu.Lock()
	s.retired = true
	s.mu.Unlock()
}
