// Package variables implements the chained variable scopes a run executes in.
//
// A Scope reads through to its ancestors and writes locally. The interpreter
// creates a root scope per run and a child scope per nested sequence
// invocation (repeat iteration, branch, parallel child), so siblings never
// observe each other's locally-set variables.
package variables

import (
	"encoding/json"
	"sync"
)

// Scope is a variable namespace chained to an optional parent.
// Safe for concurrent use: parallel branches read a shared parent while
// writing their own child scopes.
type Scope struct {
	parent *Scope

	mu   sync.RWMutex
	vars map[string]any
}

// NewRoot creates a root scope seeded with a deep copy of vars.
func NewRoot(vars map[string]any) *Scope {
	s := &Scope{vars: make(map[string]any, len(vars))}
	for k, v := range vars {
		s.vars[k] = DeepCopy(v)
	}
	return s
}

// Child returns a new empty scope whose reads fall through to s.
func (s *Scope) Child() *Scope {
	return &Scope{parent: s, vars: make(map[string]any)}
}

// Get resolves name from this scope outwards.
func (s *Scope) Get(name string) (any, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		v, ok := cur.vars[name]
		cur.mu.RUnlock()
		if ok {
			return v, true
		}
	}
	return nil, false
}

// Set writes name into this scope only. Ancestors are never modified.
func (s *Scope) Set(name string, value any) {
	s.mu.Lock()
	s.vars[name] = value
	s.mu.Unlock()
}

// Local returns a copy of the variables defined directly on this scope.
func (s *Scope) Local() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.vars))
	for k, v := range s.vars {
		out[k] = DeepCopy(v)
	}
	return out
}

// Flatten returns the merged view visible from s, nearest definition
// winning. The result is a deep copy and may be handed to renderers or
// traces without further synchronization.
func (s *Scope) Flatten() map[string]any {
	var chain []*Scope
	for cur := s; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}

	out := make(map[string]any)
	for i := len(chain) - 1; i >= 0; i-- {
		cur := chain[i]
		cur.mu.RLock()
		for k, v := range cur.vars {
			out[k] = DeepCopy(v)
		}
		cur.mu.RUnlock()
	}
	return out
}

// DeepCopy recursively copies maps and slices. Scalars are returned as is.
func DeepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if val == nil {
			return val
		}
		cp := make(map[string]any, len(val))
		for k, item := range val {
			cp[k] = DeepCopy(item)
		}
		return cp
	case []any:
		if val == nil {
			return val
		}
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = DeepCopy(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
