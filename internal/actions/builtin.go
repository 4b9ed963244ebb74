package actions

import (
	"context"
	"io"
	"log/slog"

	"github.com/rendis/scriptd/internal/logging"
	"github.com/rendis/scriptd/pkg/schema"
)

// EventFirer publishes a named event. Satisfied by *streaming.Bus.
type EventFirer interface {
	Fire(ctx context.Context, event string, data map[string]any) error
}

// ScriptRunner runs another loaded script to completion and returns its
// response. Bound after the engine is built.
type ScriptRunner func(ctx context.Context, scriptID string, vars map[string]any) (any, error)

// BuiltinDeps are the collaborators of the built-in actions. Nil members
// disable the actions that need them.
type BuiltinDeps struct {
	Events    EventFirer
	RunScript ScriptRunner
	HTTP      HTTPConfig
	Logger    *slog.Logger
}

// RegisterBuiltins registers all built-in actions in the given registry.
func RegisterBuiltins(reg *Registry, deps BuiltinDeps) error {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	eval, err := newExprEvalAction()
	if err != nil {
		return err
	}
	all := []Action{
		&noopAction{},
		&logAction{logger: logger},
		eval,
		newHTTPRequestAction(deps.HTTP),
	}
	if deps.Events != nil {
		all = append(all, &eventFireAction{events: deps.Events})
	}
	if deps.RunScript != nil {
		all = append(all, &scriptRunAction{run: deps.RunScript})
	}

	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// --- system.noop ---

type noopAction struct{}

func (a *noopAction) Name() string { return "system.noop" }

func (a *noopAction) Schema() ActionSchema {
	return ActionSchema{Description: "Do nothing and echo data back as the response"}
}

func (a *noopAction) Validate(map[string]any) error { return nil }

func (a *noopAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	return output(input.Params)
}

// --- system.log ---

type logAction struct {
	logger *slog.Logger
}

func (a *logAction) Name() string { return "system.log" }

func (a *logAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Write a message to the service log",
		InputSchema: []byte(`{
			"type": "object",
			"required": ["message"],
			"properties": {
				"message": {"type": "string"},
				"level": {"enum": ["debug", "info", "warn", "warning", "error", "critical"]},
				"data": {"type": "object"}
			}
		}`),
	}
}

func (a *logAction) Validate(input map[string]any) error {
	if _, ok := input["message"].(string); !ok {
		return schema.NewError(schema.ErrCodeInvalidParameters, "system.log requires 'message' string parameter")
	}
	return nil
}

func (a *logAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	msg := stringParam(input.Params, "message", "")
	level := logging.ParseLevel(stringParam(input.Params, "level", "info"))

	logger := logging.LogWith(ctx, a.logger)
	if data := mapParam(input.Params, "data"); len(data) > 0 {
		logger = logger.With("data", data)
	}
	logger.Log(ctx, level, msg)
	return nil, nil
}

// --- event.fire ---

type eventFireAction struct {
	events EventFirer
}

func (a *eventFireAction) Name() string { return "event.fire" }

func (a *eventFireAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Fire a named event on the event bus",
		InputSchema: []byte(`{
			"type": "object",
			"required": ["event"],
			"properties": {
				"event": {"type": "string", "minLength": 1},
				"data": {"type": "object"}
			}
		}`),
	}
}

func (a *eventFireAction) Validate(input map[string]any) error {
	if stringParam(input, "event", "") == "" {
		return schema.NewError(schema.ErrCodeInvalidParameters, "event.fire requires non-empty 'event' string parameter")
	}
	return nil
}

func (a *eventFireAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	event := stringParam(input.Params, "event", "")
	if err := a.events.Fire(ctx, event, mapParam(input.Params, "data")); err != nil {
		return nil, err
	}
	return nil, nil
}

// --- script.run ---

type scriptRunAction struct {
	run ScriptRunner
}

func (a *scriptRunAction) Name() string { return "script.run" }

func (a *scriptRunAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Run another loaded script and wait for its response",
		InputSchema: []byte(`{
			"type": "object",
			"required": ["script_id"],
			"properties": {
				"script_id": {"type": "string", "minLength": 1},
				"variables": {"type": "object"}
			}
		}`),
	}
}

func (a *scriptRunAction) Validate(input map[string]any) error {
	if stringParam(input, "script_id", "") == "" {
		return schema.NewError(schema.ErrCodeInvalidParameters, "script.run requires non-empty 'script_id' string parameter")
	}
	return nil
}

func (a *scriptRunAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	id := stringParam(input.Params, "script_id", "")
	if id == input.Call.ScriptID {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidParameters, "script %q cannot run itself", id)
	}

	resp, err := a.run(ctx, id, mapParam(input.Params, "variables"))
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	return output(resp)
}
