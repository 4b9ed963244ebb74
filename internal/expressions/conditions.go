package expressions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rendis/scriptd/pkg/schema"
)

// Conditions evaluates condition specs. Template conditions are CEL
// expressions; an optional surrounding "{{ }}" is accepted and stripped.
type Conditions struct {
	cel *CELEngine
}

// NewConditions creates a condition evaluator backed by a CEL engine.
func NewConditions() (*Conditions, error) {
	engine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Conditions{cel: engine}, nil
}

// Evaluate tests spec against vars. Any failure is a CONDITION_ERROR.
func (c *Conditions) Evaluate(ctx context.Context, spec schema.ConditionSpec, vars map[string]any) (bool, error) {
	switch spec.Kind {
	case schema.ConditionTemplate:
		return c.evalTemplate(ctx, spec.Template, vars)
	case schema.ConditionAnd:
		return c.All(ctx, spec.Conditions, vars)
	case schema.ConditionOr:
		var errs []error
		for _, sub := range spec.Conditions {
			ok, err := c.Evaluate(ctx, sub, vars)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				return true, nil
			}
		}
		return false, joinConditionErrors("or", errs)
	case schema.ConditionNot:
		var errs []error
		for _, sub := range spec.Conditions {
			ok, err := c.Evaluate(ctx, sub, vars)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				return false, nil
			}
		}
		if len(errs) > 0 {
			return false, joinConditionErrors("not", errs)
		}
		return true, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeCondition, "unknown condition type %q", spec.Kind)
	}
}

// All reports whether every spec holds. An empty list holds. A false
// sub-condition decides the result even when others failed to evaluate.
func (c *Conditions) All(ctx context.Context, specs []schema.ConditionSpec, vars map[string]any) (bool, error) {
	var errs []error
	for _, sub := range specs {
		ok, err := c.Evaluate(ctx, sub, vars)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			return false, nil
		}
	}
	if len(errs) > 0 {
		return false, joinConditionErrors("and", errs)
	}
	return true, nil
}

// joinConditionErrors reports the sub-condition failures of a compound
// condition. A single failure is returned as is.
func joinConditionErrors(kind string, errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	return schema.NewErrorf(schema.ErrCodeCondition, "%s: %d sub-conditions failed", kind, len(errs)).
		WithCause(errors.Join(errs...))
}

func (c *Conditions) evalTemplate(ctx context.Context, tpl string, vars map[string]any) (bool, error) {
	expression := strings.TrimSpace(tpl)
	if inner, ok := singleBlock(expression); ok {
		expression = inner
	}

	out, err := c.cel.Evaluate(ctx, expression, vars)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeCondition,
			"condition %q returned %s, expected bool", expression, fmt.Sprintf("%T", out)).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}
