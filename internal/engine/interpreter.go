package engine

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"

	"github.com/rendis/scriptd/internal/expressions"
	"github.com/rendis/scriptd/internal/logging"
	"github.com/rendis/scriptd/internal/trace"
	"github.com/rendis/scriptd/internal/variables"
	"github.com/rendis/scriptd/pkg/schema"
)

// stopSignal unwinds a run ended by a stop node without error.
type stopSignal struct {
	message  string
	response any
}

func (s *stopSignal) Error() string { return "stop: " + s.message }

// errConditionFailed unwinds a run halted by a false condition node.
var errConditionFailed = errors.New("condition failed")

// runState is the per-run interpreter state shared by every branch.
type runState struct {
	engine *Engine
	script *Script
	run    *Run
	trace  *trace.Trace
	logger *slog.Logger
}

// interpret executes the run body and classifies its outcome.
func (e *Engine) interpret(run *Run, vars map[string]any) *RunResult {
	ctx := run.ctx
	st := &runState{
		engine: e,
		script: run.script,
		run:    run,
		trace:  run.trace,
		logger: run.script.logger,
	}

	scope := variables.NewRoot(vars)
	err := st.initVariables(ctx, scope)
	if err == nil {
		st.logger.InfoContext(ctx, "running script")
		err = st.runSteps(ctx, st.script.steps, scope)
	}

	res := &RunResult{RunID: run.ID, ScriptID: run.ScriptID, Variables: scope.Local()}
	var stop *stopSignal
	switch {
	case err == nil:
		res.Execution = schema.ExecutionFinished
	case errors.As(err, &stop):
		res.Execution = schema.ExecutionFinished
		res.Response = stop.response
	case errors.Is(err, errConditionFailed):
		res.Execution = schema.ExecutionAborted
	case isCancellation(err):
		res.Execution = schema.ExecutionCancelled
	case schema.IsCode(err, schema.ErrCodeStop),
		schema.IsCode(err, schema.ErrCodeTimeout),
		schema.IsCode(err, schema.ErrCodeAborted):
		res.Execution = schema.ExecutionAborted
		res.Error = err
	default:
		res.Execution = schema.ExecutionError
		res.Error = err
		st.logger.ErrorContext(ctx, "script failed", slog.String("error", err.Error()))
	}
	return res
}

func isCancellation(err error) bool {
	return schema.IsCode(err, schema.ErrCodeCancelled) || errors.Is(err, context.Canceled)
}

// initVariables renders the script variables into the root scope. Keys the
// caller supplied win.
func (st *runState) initVariables(ctx context.Context, scope *variables.Scope) error {
	names := slices.Sorted(maps.Keys(st.script.def.Variables))
	for _, name := range names {
		if _, ok := scope.Local()[name]; ok {
			continue
		}
		v, err := st.engine.renderer.Render(ctx, st.script.def.Variables[name], st.vars(scope))
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeRender, "render script variable %s: %s", name, err.Error()).
				WithCause(err)
		}
		scope.Set(name, v)
	}
	return nil
}

// vars is the view templates and conditions evaluate against: the globals
// overlaid by the scope chain.
func (st *runState) vars(scope *variables.Scope) map[string]any {
	flat := scope.Flatten()
	if st.engine.globals == nil {
		return flat
	}
	out := st.engine.globals()
	if out == nil {
		return flat
	}
	maps.Copy(out, flat)
	return out
}

func (st *runState) runSteps(ctx context.Context, steps []schema.Step, scope *variables.Scope) error {
	for i := range steps {
		if err := st.runStep(ctx, &steps[i], scope); err != nil {
			return err
		}
	}
	return nil
}

func (st *runState) runStep(ctx context.Context, step *schema.Step, scope *variables.Scope) error {
	if ctx.Err() != nil {
		return cancelled(ctx)
	}
	ctx = logging.WithPath(ctx, step.Path)
	el := st.trace.Begin(step.Path)
	st.run.enter(step.Path, step.Label())
	defer st.run.leave(step.Path)

	if st.engine.debugger.Check(ctx, st.run.ScriptID, st.run.ID, step.Path) {
		st.run.stop(schema.NewError(schema.ErrCodeCancelled, "stopped by debugger"))
		err := cancelled(ctx)
		st.trace.End(el, err, scope.Flatten())
		return err
	}
	if ctx.Err() != nil {
		err := cancelled(ctx)
		st.trace.End(el, err, scope.Flatten())
		return err
	}

	enabled, err := st.enabled(ctx, step, scope)
	if err != nil {
		st.trace.End(el, err, scope.Flatten())
		return err
	}
	if !enabled {
		st.logger.InfoContext(ctx, "skipped disabled step", slog.String("step", step.Label()))
		st.trace.SetResult(el, map[string]any{"enabled": false})
		st.trace.End(el, nil, scope.Flatten())
		return nil
	}

	st.logger.DebugContext(ctx, "executing step", slog.String("step", step.Label()))
	result, err := st.dispatch(ctx, step, scope)
	st.trace.SetResult(el, result)

	var se *schema.ScriptError
	if errors.As(err, &se) {
		se.WithPath(step.Path)
	}
	st.trace.End(el, err, scope.Flatten())

	if err != nil && st.suppressible(step, se) {
		st.logger.WarnContext(ctx, "continuing on error", slog.String("step", step.Label()), slog.String("error", err.Error()))
		return nil
	}
	return err
}

// suppressible reports whether continue_on_error lets the run go on after
// err. Only action failures raised by the node itself qualify.
func (st *runState) suppressible(step *schema.Step, se *schema.ScriptError) bool {
	if !step.ContinueOnError || se == nil || se.Path != step.Path {
		return false
	}
	return se.Code == schema.ErrCodeActionExecution || se.Code == schema.ErrCodeInvalidParameters
}

func (st *runState) enabled(ctx context.Context, step *schema.Step, scope *variables.Scope) (bool, error) {
	switch v := step.Enabled.(type) {
	case nil:
		return true, nil
	case bool:
		return v, nil
	case string:
		out, err := st.engine.renderer.Render(ctx, v, st.vars(scope))
		if err != nil {
			return false, schema.NewErrorf(schema.ErrCodeRender, "render enabled: %s", err.Error()).WithCause(err)
		}
		return expressions.Truthy(out), nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "enabled has type %T", v)
	}
}

// dispatch runs the node body. The switch covers every schema.Action.
func (st *runState) dispatch(ctx context.Context, step *schema.Step, scope *variables.Scope) (map[string]any, error) {
	switch a := step.Action.(type) {
	case *schema.CallAction:
		return st.callAction(ctx, step, a, scope)
	case *schema.FireEvent:
		return st.fireEvent(ctx, a, scope)
	case *schema.Delay:
		return st.delay(ctx, step, a, scope)
	case *schema.WaitTemplate:
		return st.waitTemplate(ctx, step, a, scope)
	case *schema.WaitForTrigger:
		return st.waitForTrigger(ctx, step, a, scope)
	case *schema.Condition:
		return st.condition(ctx, a, scope)
	case *schema.SetVariables:
		return nil, st.setVariables(ctx, a, scope)
	case *schema.Repeat:
		return st.repeat(ctx, a, scope)
	case *schema.Choose:
		return st.choose(ctx, a, scope)
	case *schema.IfThenElse:
		return st.ifThenElse(ctx, a, scope)
	case *schema.Parallel:
		return nil, st.parallel(ctx, a, scope)
	case *schema.Sequence:
		return nil, st.runSteps(ctx, a.Steps, scope.Child())
	case *schema.Stop:
		return st.stop(ctx, a, scope)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported action %T", step.Action)
	}
}

// cancelled builds the error a node returns once the run context is done.
func cancelled(ctx context.Context) error {
	return schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(context.Cause(ctx))
}
