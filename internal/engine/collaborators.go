package engine

import (
	"context"

	"github.com/rendis/scriptd/pkg/schema"
)

// ActionInvoker executes call_action nodes. Invoke returns a ScriptError
// with code ACTION_NOT_FOUND, ACTION_INVALID_PARAMETERS or
// ACTION_EXECUTION_ERROR on failure. Satisfied by *actions.Registry.
type ActionInvoker interface {
	Invoke(ctx context.Context, call schema.ActionCall) (any, error)
}

// EventBus publishes fire_event nodes. Satisfied by *streaming.Bus.
type EventBus interface {
	Fire(ctx context.Context, event string, data map[string]any) error
}

// ConditionEvaluator evaluates condition specs against a variable view.
// Satisfied by *expressions.Conditions.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, spec schema.ConditionSpec, vars map[string]any) (bool, error)
	All(ctx context.Context, specs []schema.ConditionSpec, vars map[string]any) (bool, error)
}

// TemplateRenderer renders templated values. Satisfied by
// *expressions.Renderer.
type TemplateRenderer interface {
	Render(ctx context.Context, value any, vars map[string]any) (any, error)
}

// Validator checks a definition before it is parsed. Satisfied by
// *validation.ScriptValidator.
type Validator interface {
	Validate(ctx context.Context, def *schema.ScriptDefinition) *schema.ValidationResult
}

// BreakpointNotifier is told about breakpoint hits after they are recorded
// in the event log. Satisfied by *streaming.Bus.
type BreakpointNotifier interface {
	BreakpointHit(ctx context.Context, scriptID, runID, path string)
}
