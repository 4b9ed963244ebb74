package actions

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/scriptd/pkg/schema"
)

// Registry is the concrete thread-safe ActionRegistry implementation. It
// also serves as the engine's action invoker.
type Registry struct {
	validator InputValidator

	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty Registry. validator may be nil, in which case
// input schemas are not enforced.
func NewRegistry(validator InputValidator) *Registry {
	return &Registry{
		validator: validator,
		actions:   make(map[string]Action),
	}
}

// Register adds an action to the registry. Returns error on duplicate name.
// Names must have the form "domain.name".
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	name := action.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
	}
	if domain, service, ok := strings.Cut(name, "."); !ok || domain == "" || service == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "action name %q must have the form domain.name", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", name)
	}

	r.actions[name] = action
	return nil
}

// Get retrieves an action by name.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeActionNotFound, "action %q not registered", name)
	}
	return action, nil
}

// List returns info for all registered actions, sorted by name.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(r.actions))
	for _, a := range r.actions {
		s := a.Schema()
		infos = append(infos, ActionInfo{
			Name:        a.Name(),
			Description: s.Description,
			InputSchema: s.InputSchema,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Has checks if an action is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

// Invoke runs a rendered call_action node: lookup, parameter validation,
// then execution. Failures carry ACTION_NOT_FOUND,
// ACTION_INVALID_PARAMETERS or ACTION_EXECUTION_ERROR.
func (r *Registry) Invoke(ctx context.Context, call schema.ActionCall) (any, error) {
	action, err := r.Get(call.Action)
	if err != nil {
		return nil, err
	}

	params := call.Data
	if params == nil {
		params = map[string]any{}
	}
	if err := action.Validate(params); err != nil {
		return nil, invalidParams(call.Action, err)
	}
	if s := action.Schema(); r.validator != nil && len(s.InputSchema) > 0 {
		if err := r.validator.ValidateInput(params, s.InputSchema); err != nil {
			return nil, invalidParams(call.Action, err)
		}
	}

	out, err := action.Execute(ctx, ActionInput{Params: params, Target: call.Target, Call: call})
	if err != nil {
		var se *schema.ScriptError
		if errors.As(err, &se) && se.Code == schema.ErrCodeInvalidParameters {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "%s: %s", call.Action, err.Error()).WithCause(err)
	}
	if out == nil || len(out.Data) == 0 {
		return nil, nil
	}

	var resp any
	if err := json.Unmarshal(out.Data, &resp); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "%s returned invalid JSON", call.Action).WithCause(err)
	}
	return resp, nil
}

func invalidParams(action string, err error) error {
	se := schema.NewErrorf(schema.ErrCodeInvalidParameters, "%s: %s", action, err.Error()).WithCause(err)
	var inner *schema.ScriptError
	if errors.As(err, &inner) && inner.Details != nil {
		se.WithDetails(inner.Details)
	}
	return se
}
