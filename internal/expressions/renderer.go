package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/scriptd/pkg/schema"
)

const jqPrefix = "jq:"

// Renderer renders template values. Strings of the form "{{ expr }}" are
// evaluated by the Expr engine and keep the native result type; strings that
// mix text and "{{ }}" blocks are interpolated into a string; strings with a
// "jq:" prefix run through GoJQ. Maps and lists are rendered recursively and
// every other value is returned unchanged.
type Renderer struct {
	expr *ExprEngine
	jq   *GoJQEngine
}

// NewRenderer creates a Renderer with fresh engines.
func NewRenderer() *Renderer {
	return &Renderer{expr: NewExprEngine(), jq: NewGoJQEngine()}
}

// Render renders value against vars. Failures are RENDER_ERROR ScriptErrors.
func (r *Renderer) Render(ctx context.Context, value any, vars map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return r.renderString(ctx, v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			rendered, err := r.Render(ctx, item, vars)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			rendered, err := r.Render(ctx, item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

// RenderMap renders every value of m. A nil map renders to nil.
func (r *Renderer) RenderMap(ctx context.Context, m map[string]any, vars map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out, err := r.Render(ctx, m, vars)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// RenderBool renders value and interprets the result as a boolean.
func (r *Renderer) RenderBool(ctx context.Context, value any, vars map[string]any) (bool, error) {
	out, err := r.Render(ctx, value, vars)
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}

func (r *Renderer) renderString(ctx context.Context, s string, vars map[string]any) (any, error) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, jqPrefix) {
		return r.jq.Evaluate(ctx, strings.TrimSpace(trimmed[len(jqPrefix):]), vars)
	}
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	if inner, ok := singleBlock(trimmed); ok {
		return r.expr.Evaluate(ctx, inner, vars)
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start == -1 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeRender, "unclosed {{ in template %q", s)
		}
		end += start

		b.WriteString(rest[:start])
		val, err := r.expr.Evaluate(ctx, strings.TrimSpace(rest[start+2:end]), vars)
		if err != nil {
			return nil, err
		}
		b.WriteString(Stringify(val))
		rest = rest[end+2:]
	}
	return b.String(), nil
}

// singleBlock returns the inner expression when s is exactly one {{ }} block.
func singleBlock(s string) (string, bool) {
	if !strings.HasPrefix(s, "{{") || !strings.HasSuffix(s, "}}") {
		return "", false
	}
	inner := s[2 : len(s)-2]
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

// Stringify formats a rendered value for string interpolation. Maps and
// lists are JSON encoded.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}

// Truthy interprets a rendered value as a boolean: booleans as is, numbers
// when non-zero, strings "true", "yes", "on", "enable" and non-zero numerals,
// non-empty collections.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		s := strings.ToLower(strings.TrimSpace(val))
		switch s {
		case "true", "yes", "on", "enable":
			return true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f != 0
		}
		return false
	case map[string]any:
		return len(val) > 0
	case []any:
		return len(val) > 0
	default:
		if f, err := schema.ToFloat(val); err == nil {
			return f != 0
		}
		return false
	}
}
