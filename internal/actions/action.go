package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/scriptd/pkg/schema"
)

// Action is a named operation call_action nodes can invoke.
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
	Validate(input map[string]any) error
}

// ActionRegistry manages the lifecycle and lookup of available actions.
type ActionRegistry interface {
	Register(action Action) error
	Get(name string) (Action, error)
	List() []ActionInfo
}

// ActionSchema describes the input contract of an action. InputSchema is a
// JSON Schema applied to the rendered data before Execute.
type ActionSchema struct {
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Description string          `json:"description,omitempty"`
}

// ActionInput is the data provided to an action at execution time.
type ActionInput struct {
	Params map[string]any `json:"params"`
	Target map[string]any `json:"target,omitempty"`
	// Call is the originating call, including script and run ids.
	Call schema.ActionCall `json:"-"`
}

// ActionOutput is the result of an action execution. Data is decoded
// into the response of the node.
type ActionOutput struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// InputValidator checks params against a JSON Schema. Satisfied by
// *validation.JSONSchemaValidator.
type InputValidator interface {
	ValidateInput(input map[string]any, inputSchema []byte) error
}

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func mapParam(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

func output(v any) (*ActionOutput, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeActionExecution, "marshal action output").WithCause(err)
	}
	return &ActionOutput{Data: data}, nil
}
