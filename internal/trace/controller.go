package trace

import (
	"context"
	"log/slog"
	"sync"
)

// Persister stores finished traces.
type Persister interface {
	SaveTrace(ctx context.Context, snap Snapshot) error
}

// Controller keeps the in-memory traces of every run. Starting a run of a
// script drops the finished traces of earlier runs of that script.
type Controller struct {
	persist Persister
	logger  *slog.Logger

	mu       sync.RWMutex
	traces   map[string]*Trace
	byScript map[string][]string
}

// NewController creates a Controller. persist may be nil.
func NewController(persist Persister, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		persist:  persist,
		logger:   logger,
		traces:   make(map[string]*Trace),
		byScript: make(map[string][]string),
	}
}

// Start creates the trace of a new run.
func (c *Controller) Start(scriptID, runID string) *Trace {
	t := New(scriptID, runID)

	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.byScript[scriptID][:0]
	for _, id := range c.byScript[scriptID] {
		if old, ok := c.traces[id]; ok && old.Done() {
			delete(c.traces, id)
			continue
		}
		kept = append(kept, id)
	}
	c.byScript[scriptID] = append(kept, runID)
	c.traces[runID] = t
	return t
}

// Complete persists a finished trace. Persistence failures are logged.
func (c *Controller) Complete(ctx context.Context, t *Trace) {
	if c.persist == nil {
		return
	}
	if err := c.persist.SaveTrace(ctx, t.Snapshot()); err != nil {
		c.logger.ErrorContext(ctx, "failed to persist trace",
			slog.String("run_id", t.RunID()),
			slog.String("error", err.Error()),
		)
	}
}

// Get returns the trace of runID if it is still held in memory.
func (c *Controller) Get(runID string) (*Trace, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.traces[runID]
	return t, ok
}

// ScriptRuns returns the run ids of the traces held for scriptID, oldest
// first.
func (c *Controller) ScriptRuns(scriptID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.byScript[scriptID]))
	copy(out, c.byScript[scriptID])
	return out
}
