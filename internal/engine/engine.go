package engine

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rendis/scriptd/internal/logging"
	"github.com/rendis/scriptd/internal/trace"
	"github.com/rendis/scriptd/internal/wait"
	"github.com/rendis/scriptd/pkg/schema"
)

// DefaultShutdownGrace is how long Shutdown waits for cancelled runs.
const DefaultShutdownGrace = 60 * time.Second

// recentRuns bounds how many ended runs ScriptExecution remembers.
const recentRuns = 1000

// Config wires the engine to its collaborators. Actions, Conditions,
// Renderer and Waiter are required.
type Config struct {
	Actions    ActionInvoker
	Events     EventBus
	Conditions ConditionEvaluator
	Renderer   TemplateRenderer
	Waiter     *wait.Coordinator
	Traces     *trace.Controller // nil = in-memory only
	Appender   EventAppender     // nil = no event log
	Validator  Validator         // nil = parse checks only
	// Breakpoints is told about breakpoint hits, usually the event bus.
	Breakpoints BreakpointNotifier
	// Globals returns variables visible to every template beneath the run
	// scope, e.g. host state.
	Globals       func() map[string]any
	ShutdownGrace time.Duration
	Logger        *slog.Logger
}

// Engine owns the loaded scripts and the run index.
type Engine struct {
	actions    ActionInvoker
	events     EventBus
	conditions ConditionEvaluator
	renderer   TemplateRenderer
	waiter     *wait.Coordinator
	traces     *trace.Controller
	validator  Validator
	notify     BreakpointNotifier
	globals    func() map[string]any
	grace      time.Duration
	logger     *slog.Logger

	fsm      *RunFSM
	debugger *trace.Debugger

	mu      sync.Mutex
	scripts map[string]*Script
	active  map[string]*Run
	recent  map[string]schema.Execution
	order   []string
	closing bool
}

// New validates cfg and creates an Engine.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Actions == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "engine: Actions is required")
	case cfg.Conditions == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "engine: Conditions is required")
	case cfg.Renderer == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "engine: Renderer is required")
	case cfg.Waiter == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "engine: Waiter is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	traces := cfg.Traces
	if traces == nil {
		traces = trace.NewController(nil, logger)
	}
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}

	e := &Engine{
		actions:    cfg.Actions,
		events:     cfg.Events,
		conditions: cfg.Conditions,
		renderer:   cfg.Renderer,
		waiter:     cfg.Waiter,
		traces:     traces,
		validator:  cfg.Validator,
		notify:     cfg.Breakpoints,
		globals:    cfg.Globals,
		grace:      grace,
		logger:     logger,
		fsm:        NewRunFSM(cfg.Appender),
		scripts:    make(map[string]*Script),
		active:     make(map[string]*Run),
		recent:     make(map[string]schema.Execution),
	}
	e.debugger = trace.NewDebugger(e)
	return e, nil
}

// FSM returns the run state machine, e.g. to register transition hooks.
func (e *Engine) FSM() *RunFSM { return e.fsm }

// Load validates def and installs it. Loading an id that is already loaded
// replaces the script; runs of the old definition continue to completion.
func (e *Engine) Load(ctx context.Context, def *schema.ScriptDefinition) (*Script, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition is nil")
	}
	def.ApplyDefaults()

	result := &schema.ValidationResult{}
	if e.validator != nil {
		result.Merge(e.validator.Validate(ctx, def))
	}
	checkDefinition(def, result)
	steps := schema.ParseSequence(def.Sequence, "", result)
	if err := result.ToError(); err != nil {
		return nil, err
	}

	level, silent := maxExceededLevel(def.MaxExceeded)
	s := &Script{
		engine: e,
		def:    def,
		steps:  steps,
		logger: e.logger.With(slog.String("script", def.ID), slog.String("domain", def.Domain)),
		runs:   make(map[string]*Run),
	}
	if !silent {
		s.level = &level
	}
	for _, w := range result.Warnings {
		s.logger.WarnContext(ctx, "definition warning", slog.String("path", w.Path), slog.String("message", w.Message))
	}

	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return nil, schema.NewError(schema.ErrCodeConflict, "engine is shutting down")
	}
	prev := e.scripts[def.ID]
	e.scripts[def.ID] = s
	e.mu.Unlock()

	if prev != nil {
		prev.retire()
		s.logger.InfoContext(ctx, "script reloaded")
	} else {
		s.logger.InfoContext(ctx, "script loaded", slog.String("mode", string(def.Mode)))
	}
	return s, nil
}

func checkDefinition(def *schema.ScriptDefinition, r *schema.ValidationResult) {
	if def.ID == "" {
		r.AddError("id", schema.ErrCodeValidation, "id is required")
	}
	if !def.Mode.Valid() {
		r.AddErrorf("mode", "unknown mode %q", def.Mode)
	}
	if def.Max < 1 {
		r.AddErrorf("max", "max must be at least 1, got %d", def.Max)
	}
	if _, ok := maxExceededLevels[def.MaxExceeded]; !ok && def.MaxExceeded != schema.MaxExceededSilent {
		r.AddErrorf("max_exceeded", "unknown max_exceeded level %q", def.MaxExceeded)
	}
	if def.Max != schema.DefaultMaxRuns && (def.Mode == schema.ModeSingle || def.Mode == schema.ModeRestart) {
		r.AddWarning("max", schema.ErrCodeValidation, "max is ignored in "+string(def.Mode)+" mode")
	}
}

var maxExceededLevels = map[string]slog.Level{
	schema.MaxExceededDebug:    slog.LevelDebug,
	schema.MaxExceededInfo:     slog.LevelInfo,
	schema.MaxExceededWarning:  slog.LevelWarn,
	schema.MaxExceededError:    slog.LevelError,
	schema.MaxExceededCritical: logging.LevelCritical,
}

func maxExceededLevel(name string) (slog.Level, bool) {
	if name == schema.MaxExceededSilent {
		return 0, true
	}
	if lvl, ok := maxExceededLevels[name]; ok {
		return lvl, false
	}
	return slog.LevelWarn, false
}

// Script returns the loaded script with id.
func (e *Engine) Script(id string) (*Script, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.scripts[id]
	return s, ok
}

// Scripts returns every loaded script ordered by id.
func (e *Engine) Scripts() []*Script {
	e.mu.Lock()
	out := make([]*Script, 0, len(e.scripts))
	for _, s := range e.scripts {
		out = append(out, s)
	}
	e.mu.Unlock()
	slices.SortFunc(out, func(a, b *Script) int {
		switch {
		case a.ID() < b.ID():
			return -1
		case a.ID() > b.ID():
			return 1
		}
		return 0
	})
	return out
}

// Unload removes the script and stops its runs.
func (e *Engine) Unload(ctx context.Context, id string) error {
	e.mu.Lock()
	s, ok := e.scripts[id]
	delete(e.scripts, id)
	e.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "script %s not found", id)
	}
	s.retire()
	e.debugger.ClearScript(id)
	s.logger.InfoContext(ctx, "script unloaded")
	return s.Stop(ctx, "")
}

// RunScript runs the script with id to completion on behalf of the caller.
// When ctx belongs to a run, that run is suspended for the duration.
func (e *Engine) RunScript(ctx context.Context, id string, vars map[string]any) (*RunResult, error) {
	s, ok := e.Script(id)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "script %s not found", id)
	}
	if parent, ok := e.Run(logging.RunID(ctx)); ok {
		path := logging.Path(ctx)
		parent.suspend(ctx, path)
		defer parent.resume(ctx, path)
	}
	return s.Run(ctx, vars)
}

// Run returns the active run with runID.
func (e *Engine) Run(runID string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.active[runID]
	return r, ok
}

// ScriptExecution returns the execution of an ended run. It reports false
// while the run is active or when the run is unknown.
func (e *Engine) ScriptExecution(runID string) (schema.Execution, bool) {
	e.mu.Lock()
	ex, ok := e.recent[runID]
	e.mu.Unlock()
	if ok {
		return ex, true
	}
	if t, ok := e.traces.Get(runID); ok && t.Done() {
		return t.Snapshot().Execution, true
	}
	return "", false
}

// Trace returns the trace of runID.
func (e *Engine) Trace(runID string) (trace.Snapshot, error) {
	t, ok := e.traces.Get(runID)
	if !ok {
		return trace.Snapshot{}, schema.NewErrorf(schema.ErrCodeNotFound, "no trace for run %s", runID)
	}
	return t.Snapshot(), nil
}

// Traces returns the trace controller.
func (e *Engine) Traces() *trace.Controller { return e.traces }

// SetBreakpoint adds a breakpoint. runID and path accept trace.RunAny and
// trace.NodeAny.
func (e *Engine) SetBreakpoint(scriptID, runID, path string) error {
	if _, ok := e.Script(scriptID); !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "script %s not found", scriptID)
	}
	e.debugger.SetBreakpoint(scriptID, runID, path)
	return nil
}

// ClearBreakpoint removes a breakpoint.
func (e *Engine) ClearBreakpoint(scriptID, runID, path string) {
	e.debugger.ClearBreakpoint(scriptID, runID, path)
}

// Breakpoints lists the breakpoints of scriptID, or all when empty.
func (e *Engine) Breakpoints(scriptID string) []trace.Breakpoint {
	return e.debugger.Breakpoints(scriptID)
}

// Halted returns the paths at which runID is halted.
func (e *Engine) Halted(runID string) []string {
	return e.debugger.Halted(runID)
}

// DebugStep releases a halted run and halts it again at the next node.
func (e *Engine) DebugStep(scriptID, runID string) error {
	return e.debugger.Step(scriptID, runID)
}

// DebugContinue releases a halted run.
func (e *Engine) DebugContinue(scriptID, runID string) error {
	return e.debugger.Continue(scriptID, runID)
}

// DebugStop cancels a halted run.
func (e *Engine) DebugStop(scriptID, runID string) error {
	return e.debugger.Stop(scriptID, runID)
}

// BreakpointHit records the hit in the event log and forwards it.
func (e *Engine) BreakpointHit(ctx context.Context, scriptID, runID, path string) {
	logging.LogWith(ctx, e.logger).InfoContext(ctx, "breakpoint hit")
	if err := e.fsm.Record(ctx, scriptID, runID, schema.EventBreakpointHit, path, nil); err != nil {
		e.logger.WarnContext(ctx, "record breakpoint failed", slog.String("error", err.Error()))
	}
	if e.notify != nil {
		e.notify.BreakpointHit(ctx, scriptID, runID, path)
	}
}

// Shutdown stops admissions, cancels every run and waits up to the grace
// period. Runs still active afterwards are logged and finished as
// cancelled.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	for _, s := range e.scripts {
		s.retire()
	}
	runs := make([]*Run, 0, len(e.active))
	for _, r := range e.active {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	if len(runs) == 0 {
		return nil
	}
	e.logger.InfoContext(ctx, "shutting down", slog.Int("runs", len(runs)))

	for _, r := range runs {
		if r.script.dequeue(r) {
			r.complete(r.ctx, &RunResult{RunID: r.ID, ScriptID: r.ScriptID, Execution: schema.ExecutionCancelled})
			continue
		}
		r.stop(schema.NewError(schema.ErrCodeCancelled, "shutting down"))
	}
	e.debugger.ContinueAll()

	timer := time.NewTimer(e.grace)
	defer timer.Stop()

	var err error
	for i, r := range runs {
		select {
		case <-r.Done():
			continue
		case <-timer.C:
		case <-ctx.Done():
			err = ctx.Err()
		}
		for _, straggler := range runs[i:] {
			select {
			case <-straggler.Done():
			default:
				logging.LogWith(straggler.ctx, e.logger).WarnContext(straggler.ctx, "run did not stop in time",
					slog.Any("paths", straggler.CurrentPaths()))
				straggler.complete(straggler.ctx, &RunResult{
					RunID:     straggler.ID,
					ScriptID:  straggler.ScriptID,
					Execution: schema.ExecutionCancelled,
				})
			}
		}
		break
	}
	return err
}

func (e *Engine) track(r *Run) {
	e.mu.Lock()
	e.active[r.ID] = r
	e.mu.Unlock()
}

// forget moves an ended run from the active index to the recent ones.
func (e *Engine) forget(r *Run) {
	if res := r.Result(); res != nil {
		e.remember(r.ID, res.Execution)
	}
	e.mu.Lock()
	delete(e.active, r.ID)
	e.mu.Unlock()
}

func (e *Engine) remember(runID string, ex schema.Execution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.recent[runID]; !ok {
		e.order = append(e.order, runID)
	}
	e.recent[runID] = ex
	for len(e.order) > recentRuns {
		delete(e.recent, e.order[0])
		e.order = e.order[1:]
	}
}
