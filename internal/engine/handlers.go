package engine

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/scriptd/internal/expressions"
	"github.com/rendis/scriptd/internal/variables"
	"github.com/rendis/scriptd/internal/wait"
	"github.com/rendis/scriptd/pkg/schema"
)

// Iteration limits of while and until loops.
const (
	repeatWarnIterations = 5000
	repeatMaxIterations  = 10000
)

func (st *runState) render(ctx context.Context, value any, scope *variables.Scope, what string) (any, error) {
	out, err := st.engine.renderer.Render(ctx, value, st.vars(scope))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeRender, "render %s: %s", what, err.Error()).WithCause(err)
	}
	return out, nil
}

func (st *runState) renderMap(ctx context.Context, m map[string]any, scope *variables.Scope, what string) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out, err := st.render(ctx, m, scope, what)
	if err != nil {
		return nil, err
	}
	rendered, ok := out.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeRender, "%s rendered to %T, expected a mapping", what, out)
	}
	return rendered, nil
}

func (st *runState) callAction(ctx context.Context, step *schema.Step, a *schema.CallAction, scope *variables.Scope) (map[string]any, error) {
	data, err := st.renderMap(ctx, a.Data, scope, "data")
	if err != nil {
		return nil, err
	}
	target, err := st.renderMap(ctx, a.Target, scope, "target")
	if err != nil {
		return nil, err
	}

	params := map[string]any{"action": a.Action}
	if data != nil {
		params["data"] = data
	}
	if target != nil {
		params["target"] = target
	}
	result := map[string]any{"params": params}

	st.logger.InfoContext(ctx, "executing action", slog.String("action", a.Action))
	resp, err := st.engine.actions.Invoke(ctx, schema.ActionCall{
		Action:       a.Action,
		Data:         data,
		Target:       target,
		ScriptID:     st.run.ScriptID,
		RunID:        st.run.ID,
		Path:         step.Path,
		WantResponse: a.ResponseVariable != "",
	})
	if ctx.Err() != nil {
		return result, cancelled(ctx)
	}
	if err != nil {
		var se *schema.ScriptError
		if !errors.As(err, &se) {
			err = schema.NewErrorf(schema.ErrCodeActionExecution, "%s failed: %s", a.Action, err.Error()).WithCause(err)
		}
		return result, err
	}

	if a.ResponseVariable != "" {
		scope.Set(a.ResponseVariable, resp)
		result["response"] = resp
	}
	return result, nil
}

func (st *runState) fireEvent(ctx context.Context, a *schema.FireEvent, scope *variables.Scope) (map[string]any, error) {
	name := a.Event
	if schema.IsTemplate(name) {
		out, err := st.render(ctx, name, scope, "event")
		if err != nil {
			return nil, err
		}
		name = expressions.Stringify(out)
	}
	data, err := st.renderMap(ctx, a.EventData, scope, "event_data")
	if err != nil {
		return nil, err
	}
	result := map[string]any{"event": name, "event_data": data}

	if st.engine.events == nil {
		return result, schema.NewError(schema.ErrCodeActionExecution, "no event bus configured")
	}
	st.logger.InfoContext(ctx, "firing event", slog.String("event", name))
	if err := st.engine.events.Fire(ctx, name, data); err != nil {
		return result, schema.NewErrorf(schema.ErrCodeActionExecution, "fire %s: %s", name, err.Error()).WithCause(err)
	}
	return result, nil
}

// duration renders and parses a delay or timeout value. Failures abort the
// run.
func (st *runState) duration(ctx context.Context, v any, scope *variables.Scope, what string) (time.Duration, error) {
	if s, ok := v.(string); ok && schema.IsTemplate(s) {
		out, err := st.engine.renderer.Render(ctx, s, st.vars(scope))
		if err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeAborted, "render %s: %s", what, err.Error()).WithCause(err)
		}
		v = out
	}
	d, err := schema.ParseDuration(v)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeAborted, "invalid %s: %s", what, err.Error()).WithCause(err)
	}
	return d, nil
}

func (st *runState) timeout(ctx context.Context, v any, scope *variables.Scope) (*time.Duration, error) {
	if v == nil {
		return nil, nil
	}
	d, err := st.duration(ctx, v, scope, "timeout")
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (st *runState) delay(ctx context.Context, step *schema.Step, a *schema.Delay, scope *variables.Scope) (map[string]any, error) {
	d, err := st.duration(ctx, a.Duration, scope, "delay")
	if err != nil {
		return nil, err
	}
	result := map[string]any{"delay": d.Seconds(), "done": false}

	st.logger.InfoContext(ctx, "delaying", slog.Duration("delay", d))
	st.run.suspend(ctx, step.Path)
	res := st.engine.waiter.AwaitDelay(ctx, st.run.ID, d)
	st.run.resume(ctx, step.Path)

	if res.Outcome == wait.Cancelled {
		return result, cancelled(ctx)
	}
	result["done"] = true
	return result, nil
}

func (st *runState) waitTemplate(ctx context.Context, step *schema.Step, a *schema.WaitTemplate, scope *variables.Scope) (map[string]any, error) {
	timeout, err := st.timeout(ctx, a.Timeout, scope)
	if err != nil {
		return nil, err
	}
	pred := func(ctx context.Context) (bool, error) {
		out, err := st.engine.renderer.Render(ctx, a.Template, st.vars(scope))
		if err != nil {
			return false, err
		}
		return expressions.Truthy(out), nil
	}

	var res wait.Result
	if ok, _ := pred(ctx); ok {
		res = wait.Result{Outcome: wait.Completed, Remaining: timeout}
	} else {
		st.logger.InfoContext(ctx, "waiting for template", slog.String("template", a.Template))
		st.run.suspend(ctx, step.Path)
		res = st.engine.waiter.AwaitPredicate(ctx, st.run.ID, pred, timeout)
		st.run.resume(ctx, step.Path)
	}

	waitVar := map[string]any{
		"remaining": res.RemainingSeconds(),
		"completed": res.Outcome == wait.Completed,
	}
	scope.Set("wait", waitVar)
	result := map[string]any{"wait": waitVar}
	return result, st.waitOutcome(ctx, res, a.ContinueOnTimeout)
}

func (st *runState) waitForTrigger(ctx context.Context, step *schema.Step, a *schema.WaitForTrigger, scope *variables.Scope) (map[string]any, error) {
	timeout, err := st.timeout(ctx, a.Timeout, scope)
	if err != nil {
		return nil, err
	}

	st.logger.InfoContext(ctx, "waiting for trigger", slog.Int("triggers", len(a.Triggers)))
	st.run.suspend(ctx, step.Path)
	res, err := st.engine.waiter.AwaitTrigger(ctx, st.run.ID, a.Triggers, st.vars(scope), timeout)
	st.run.resume(ctx, step.Path)
	if err != nil {
		return nil, err
	}

	var trigger any
	if res.Trigger != nil {
		trigger = res.Trigger
	}
	waitVar := map[string]any{
		"remaining": res.RemainingSeconds(),
		"trigger":   trigger,
	}
	scope.Set("wait", waitVar)
	result := map[string]any{"wait": waitVar}
	return result, st.waitOutcome(ctx, res, a.ContinueOnTimeout)
}

func (st *runState) waitOutcome(ctx context.Context, res wait.Result, continueOnTimeout bool) error {
	switch res.Outcome {
	case wait.Cancelled:
		return cancelled(ctx)
	case wait.TimedOut:
		if !continueOnTimeout {
			st.logger.InfoContext(ctx, "timed out, stopping")
			return schema.NewError(schema.ErrCodeTimeout, "wait timed out")
		}
	}
	return nil
}

func (st *runState) condition(ctx context.Context, a *schema.Condition, scope *variables.Scope) (map[string]any, error) {
	ok, err := st.engine.conditions.Evaluate(ctx, a.Condition, st.vars(scope))
	if err != nil {
		st.logger.WarnContext(ctx, "error in condition", slog.String("error", err.Error()))
		ok = false
	}
	result := map[string]any{"result": ok}
	if !ok {
		st.logger.InfoContext(ctx, "condition failed, stopping")
		return result, errConditionFailed
	}
	return result, nil
}

// setVariables applies keys in sorted order; later values see earlier ones.
func (st *runState) setVariables(ctx context.Context, a *schema.SetVariables, scope *variables.Scope) error {
	for _, name := range slices.Sorted(maps.Keys(a.Variables)) {
		v, err := st.render(ctx, a.Variables[name], scope, "variable "+name)
		if err != nil {
			return err
		}
		scope.Set(name, v)
	}
	return nil
}

// conditionsHold evaluates specs, treating evaluation errors as false.
func (st *runState) conditionsHold(ctx context.Context, specs []schema.ConditionSpec, vars map[string]any) bool {
	ok, err := st.engine.conditions.All(ctx, specs, vars)
	if err != nil {
		st.logger.WarnContext(ctx, "error in condition", slog.String("error", err.Error()))
		return false
	}
	return ok
}

func (st *runState) repeat(ctx context.Context, a *schema.Repeat, scope *variables.Scope) (map[string]any, error) {
	iteration := func(index int, extra map[string]any) *variables.Scope {
		child := scope.Child()
		rv := map[string]any{"first": index == 1, "index": index}
		maps.Copy(rv, extra)
		child.Set("repeat", rv)
		return child
	}

	n := 0
	switch a.Mode {
	case schema.RepeatCount:
		count, err := st.repeatCount(ctx, a.Count, scope)
		if err != nil {
			return nil, err
		}
		for n < count {
			n++
			child := iteration(n, map[string]any{"last": n == count})
			if err := st.runSteps(ctx, a.Sequence, child); err != nil {
				return map[string]any{"iterations": n}, err
			}
		}

	case schema.RepeatForEach:
		items, err := st.repeatItems(ctx, a.ForEach, scope)
		if err != nil {
			return nil, err
		}
		for i, item := range items {
			n++
			child := iteration(n, map[string]any{"last": i == len(items)-1, "item": item})
			if err := st.runSteps(ctx, a.Sequence, child); err != nil {
				return map[string]any{"iterations": n}, err
			}
		}

	case schema.RepeatWhile:
		for {
			n++
			if err := st.iterationLimit(ctx, n, n > repeatMaxIterations); err != nil {
				return map[string]any{"iterations": n - 1}, err
			}
			child := iteration(n, nil)
			if !st.conditionsHold(ctx, a.While, st.vars(child)) {
				n--
				break
			}
			if err := st.runSteps(ctx, a.Sequence, child); err != nil {
				return map[string]any{"iterations": n}, err
			}
		}

	case schema.RepeatUntil:
		for {
			n++
			child := iteration(n, nil)
			if err := st.runSteps(ctx, a.Sequence, child); err != nil {
				return map[string]any{"iterations": n}, err
			}
			if st.conditionsHold(ctx, a.Until, st.vars(child)) {
				break
			}
			if err := st.iterationLimit(ctx, n, n >= repeatMaxIterations); err != nil {
				return map[string]any{"iterations": n}, err
			}
		}

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown repeat mode %q", a.Mode)
	}
	return map[string]any{"iterations": n}, nil
}

func (st *runState) iterationLimit(ctx context.Context, n int, exceeded bool) error {
	if n == repeatWarnIterations {
		st.logger.WarnContext(ctx, "repeat loop has run for many iterations", slog.Int("iterations", n))
	}
	if exceeded {
		st.logger.ErrorContext(ctx, "repeat loop exceeded the iteration limit", slog.Int("limit", repeatMaxIterations))
		return schema.NewErrorf(schema.ErrCodeAborted, "repeat exceeded %d iterations", repeatMaxIterations)
	}
	return nil
}

func (st *runState) repeatCount(ctx context.Context, v any, scope *variables.Scope) (int, error) {
	if s, ok := v.(string); ok && schema.IsTemplate(s) {
		out, err := st.engine.renderer.Render(ctx, s, st.vars(scope))
		if err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeAborted, "render repeat count: %s", err.Error()).WithCause(err)
		}
		v = out
	}
	n, err := schema.ToInt(v)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeAborted, "repeat count: %s", err.Error())
	}
	if n < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeAborted, "repeat count must be non-negative, got %d", n)
	}
	return n, nil
}

func (st *runState) repeatItems(ctx context.Context, v any, scope *variables.Scope) ([]any, error) {
	out, err := st.engine.renderer.Render(ctx, v, st.vars(scope))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAborted, "render for_each: %s", err.Error()).WithCause(err)
	}
	if items, ok := out.([]any); ok {
		return items, nil
	}
	rv := reflect.ValueOf(out)
	if out == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, schema.NewErrorf(schema.ErrCodeAborted, "repeat for_each must be a list, got %T", out)
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, nil
}

func (st *runState) choose(ctx context.Context, a *schema.Choose, scope *variables.Scope) (map[string]any, error) {
	vars := st.vars(scope)
	for i, opt := range a.Options {
		if st.conditionsHold(ctx, opt.Conditions, vars) {
			return map[string]any{"choice": i}, st.runSteps(ctx, opt.Sequence, scope.Child())
		}
	}
	if a.Default != nil {
		return map[string]any{"choice": "default"}, st.runSteps(ctx, a.Default, scope.Child())
	}
	return nil, nil
}

func (st *runState) ifThenElse(ctx context.Context, a *schema.IfThenElse, scope *variables.Scope) (map[string]any, error) {
	if st.conditionsHold(ctx, a.If, st.vars(scope)) {
		return map[string]any{"choice": "then"}, st.runSteps(ctx, a.Then, scope.Child())
	}
	if a.Else != nil {
		return map[string]any{"choice": "else"}, st.runSteps(ctx, a.Else, scope.Child())
	}
	return nil, nil
}

// parallel runs every branch to completion and reports the first error to
// arrive.
func (st *runState) parallel(ctx context.Context, a *schema.Parallel, scope *variables.Scope) error {
	var g errgroup.Group
	for _, branch := range a.Branches {
		child := scope.Child()
		g.Go(func() error {
			return st.runSteps(ctx, branch, child)
		})
	}
	return g.Wait()
}

func (st *runState) stop(ctx context.Context, a *schema.Stop, scope *variables.Scope) (map[string]any, error) {
	result := map[string]any{"stop": a.Message, "error": a.Error}
	st.logger.InfoContext(ctx, "stop requested", slog.String("reason", a.Message))
	if a.Error {
		return result, schema.NewError(schema.ErrCodeStop, a.Message)
	}

	sig := &stopSignal{message: a.Message}
	if a.ResponseVariable != "" {
		resp, ok := scope.Get(a.ResponseVariable)
		if !ok {
			return result, schema.NewErrorf(schema.ErrCodeAborted, "response variable %q is not defined", a.ResponseVariable)
		}
		sig.response = resp
		result["response"] = resp
	}
	return result, sig
}
