package schema

import "strings"

// ActionCall is a rendered call_action node handed to the action registry.
type ActionCall struct {
	// Action is the "domain.name" of the action.
	Action string         `json:"action"`
	Data   map[string]any `json:"data,omitempty"`
	Target map[string]any `json:"target,omitempty"`

	// Origin of the call.
	ScriptID string `json:"script_id,omitempty"`
	RunID    string `json:"run_id,omitempty"`
	Path     string `json:"path,omitempty"`

	// WantResponse is set when the node captures the response.
	WantResponse bool `json:"want_response,omitempty"`
}

// Domain returns the part of Action before the first dot.
func (c ActionCall) Domain() string {
	domain, _, _ := strings.Cut(c.Action, ".")
	return domain
}
