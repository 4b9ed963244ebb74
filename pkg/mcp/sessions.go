package mcp

import (
	"sort"
	"sync"
)

// watchAll is the script key of sessions watching every script.
const watchAll = "*"

// SessionRegistry maps script IDs to the MCP sessions watching their
// breakpoints. Populated when a session sets a breakpoint.
type SessionRegistry struct {
	mu       sync.RWMutex
	watchers map[string]map[string]struct{} // scriptID -> sessionIDs
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{watchers: make(map[string]map[string]struct{})}
}

// Watch subscribes sessionID to hits of scriptID. An empty scriptID
// watches every script.
func (r *SessionRegistry) Watch(scriptID, sessionID string) {
	if scriptID == "" {
		scriptID = watchAll
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.watchers[scriptID]
	if !ok {
		set = make(map[string]struct{})
		r.watchers[scriptID] = set
	}
	set[sessionID] = struct{}{}
}

// Watchers returns the sessions watching scriptID, sorted.
func (r *SessionRegistry) Watchers(scriptID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, key := range []string{scriptID, watchAll} {
		for sid := range r.watchers[key] {
			seen[sid] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for sid := range seen {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// Remove deletes every subscription of sessionID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, set := range r.watchers {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.watchers, key)
		}
	}
}
