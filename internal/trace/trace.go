// Package trace records path-addressed execution traces of script runs and
// implements the breakpoint / single-step debug protocol.
package trace

import (
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rendis/scriptd/pkg/schema"
)

// MaxElementsPerPath bounds how many executions of one path a trace keeps.
// Older elements are dropped first.
const MaxElementsPerPath = 20

// Element is one execution of the node at Path.
type Element struct {
	Path      string         `json:"path"`
	Timestamp time.Time      `json:"timestamp"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

// Trace is the trace tree of one run. It is safe for concurrent use by the
// branches of a parallel node.
type Trace struct {
	mu sync.Mutex

	scriptID  string
	runID     string
	elements  map[string][]*Element
	execution schema.Execution
	err       string
	response  any
	started   time.Time
	finished  time.Time
	lastStep  string
}

// New creates an empty trace for a run.
func New(scriptID, runID string) *Trace {
	return &Trace{
		scriptID: scriptID,
		runID:    runID,
		elements: make(map[string][]*Element),
		started:  time.Now().UTC(),
	}
}

// ScriptID returns the script the trace belongs to.
func (t *Trace) ScriptID() string { return t.scriptID }

// RunID returns the run the trace belongs to.
func (t *Trace) RunID() string { return t.runID }

// Begin opens a new element for path.
func (t *Trace) Begin(path string) *Element {
	el := &Element{Path: path, Timestamp: time.Now().UTC()}

	t.mu.Lock()
	defer t.mu.Unlock()
	list := append(t.elements[path], el)
	if len(list) > MaxElementsPerPath {
		list = slices.Delete(list, 0, len(list)-MaxElementsPerPath)
	}
	t.elements[path] = list
	t.lastStep = path
	return el
}

// SetResult merges result into el.
func (t *Trace) SetResult(el *Element, result map[string]any) {
	if len(result) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if el.Result == nil {
		el.Result = make(map[string]any, len(result))
	}
	maps.Copy(el.Result, result)
}

// End closes el with the variable snapshot taken after the node ran. A nil
// err clears any error set earlier.
func (t *Trace) End(el *Element, err error, vars map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el.Variables = vars
	el.Error, el.ErrorCode = "", ""
	if err != nil {
		el.Error = err.Error()
		var se *schema.ScriptError
		if errors.As(err, &se) {
			el.ErrorCode = se.Code
		}
	}
}

// Finish records the run outcome.
func (t *Trace) Finish(execution schema.Execution, err error, response any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.execution = execution
	t.response = response
	if err != nil {
		t.err = err.Error()
	}
	t.finished = time.Now().UTC()
}

// Done reports whether Finish was called.
func (t *Trace) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.finished.IsZero()
}

// Snapshot is an immutable copy of a trace suitable for serialization.
type Snapshot struct {
	ScriptID  string               `json:"script_id"`
	RunID     string               `json:"run_id"`
	Execution schema.Execution     `json:"script_execution,omitempty"`
	Error     string               `json:"error,omitempty"`
	Response  any                  `json:"response,omitempty"`
	Started   time.Time            `json:"start"`
	Finished  *time.Time           `json:"finish,omitempty"`
	LastStep  string               `json:"last_step,omitempty"`
	Elements  map[string][]Element `json:"trace"`
}

// Snapshot copies the trace.
func (t *Trace) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		ScriptID:  t.scriptID,
		RunID:     t.runID,
		Execution: t.execution,
		Error:     t.err,
		Response:  t.response,
		Started:   t.started,
		LastStep:  t.lastStep,
		Elements:  make(map[string][]Element, len(t.elements)),
	}
	if !t.finished.IsZero() {
		f := t.finished
		snap.Finished = &f
	}
	for path, list := range t.elements {
		out := make([]Element, len(list))
		for i, el := range list {
			out[i] = *el
			out[i].Result = maps.Clone(el.Result)
		}
		snap.Elements[path] = out
	}
	return snap
}

// Paths returns the traced paths in sorted order.
func (s Snapshot) Paths() []string {
	return slices.Sorted(maps.Keys(s.Elements))
}
