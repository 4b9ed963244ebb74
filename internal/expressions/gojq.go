package expressions

import (
	"context"

	"github.com/itchyny/gojq"
	"github.com/rendis/scriptd/pkg/schema"
)

// GoJQEngine runs "jq:" templates with the whole scope as input, e.g.
// `jq: [.rooms[] | select(.occupied) | .name]` to build a for_each list.
// The process environment is hidden from programs.
type GoJQEngine struct {
	programs programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate returns the single output of the program, nil when it produces
// none, and a []any when it produces several.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeRender, "empty jq expression")
	}
	code, err := e.programs.load(expression, func() (*gojq.Code, error) {
		query, err := gojq.Parse(expression)
		if err != nil {
			return nil, exprError(schema.ErrCodeRender, e.Name(), "parse", expression, err)
		}
		code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
		if err != nil {
			return nil, exprError(schema.ErrCodeRender, e.Name(), "compile", expression, err)
		}
		return code, nil
	})
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, jqValue(data))
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, exprError(schema.ErrCodeRender, e.Name(), "evaluate", expression, err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	}
	return results, nil
}

// jqValue widens every number to float64, the only numeric type gojq
// accepts besides int and *big.Int.
func jqValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jqValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jqValue(item)
		}
		return out
	case string, bool, nil, float64:
		return v
	}
	if f, err := schema.ToFloat(v); err == nil {
		return f
	}
	return v
}

var _ Engine = (*GoJQEngine)(nil)
