package actions

import (
	"context"
	"maps"

	"github.com/rendis/scriptd/internal/expressions"
	"github.com/rendis/scriptd/pkg/schema"
)

// --- expr.eval ---

// exprEvalAction evaluates one expression against explicit data, in the
// template language (expr), jq or CEL.
type exprEvalAction struct {
	engines map[string]expressions.Engine
}

func newExprEvalAction() (*exprEvalAction, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	a := &exprEvalAction{engines: make(map[string]expressions.Engine, 3)}
	for _, e := range []expressions.Engine{expressions.NewExprEngine(), expressions.NewGoJQEngine(), cel} {
		a.engines[e.Name()] = e
	}
	return a, nil
}

func (a *exprEvalAction) Name() string { return "expr.eval" }

func (a *exprEvalAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Evaluate an expr, jq or CEL expression against explicit data",
		InputSchema: []byte(`{
			"type": "object",
			"required": ["expression"],
			"properties": {
				"expression": {"type": "string", "minLength": 1},
				"language": {"type": "string", "enum": ["expr", "jq", "cel"]},
				"data": {"type": "object"}
			}
		}`),
	}
}

func (a *exprEvalAction) Validate(input map[string]any) error {
	if s, ok := input["expression"].(string); !ok || s == "" {
		return schema.NewError(schema.ErrCodeInvalidParameters, "expr.eval requires non-empty 'expression' string parameter")
	}
	if lang := stringParam(input, "language", "expr"); a.engines[lang] == nil {
		return schema.NewErrorf(schema.ErrCodeInvalidParameters, "expr.eval: unknown language %q", lang)
	}
	return nil
}

func (a *exprEvalAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	lang := stringParam(input.Params, "language", "expr")

	scope := maps.Clone(mapParam(input.Params, "data"))
	if scope == nil {
		scope = make(map[string]any)
	}
	if input.Target != nil {
		scope["target"] = input.Target
	}

	result, err := a.engines[lang].Evaluate(ctx, stringParam(input.Params, "expression", ""), scope)
	if err != nil {
		return nil, err
	}
	return output(map[string]any{"result": result})
}
