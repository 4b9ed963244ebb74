package expressions

import (
	"context"
	"sync"

	"github.com/rendis/scriptd/pkg/schema"
)

// Engine evaluates one expression against a variable map. CELEngine backs
// conditions, ExprEngine backs {{ }} templates and GoJQEngine backs jq:
// templates.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programCache memoizes compiled programs by key. Two goroutines compiling
// the same key concurrently both compile; the first stored program wins.
type programCache[P any] struct {
	mu    sync.RWMutex
	progs map[string]P
}

func (c *programCache[P]) load(key string, compile func() (P, error)) (P, error) {
	c.mu.RLock()
	p, ok := c.progs[key]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := compile()
	if err != nil {
		var zero P
		return zero, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.progs[key]; ok {
		return prev, nil
	}
	if c.progs == nil {
		c.progs = make(map[string]P)
	}
	c.progs[key] = p
	return p, nil
}

func (c *programCache[P]) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.progs)
}

// exprError reports a failed stage ("compile", "evaluate") of expression.
func exprError(code, engine, stage, expression string, err error) *schema.ScriptError {
	return schema.NewErrorf(code, "%s %s %q: %s", engine, stage, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "engine": engine})
}
