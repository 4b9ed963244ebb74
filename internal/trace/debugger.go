package trace

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/rendis/scriptd/pkg/schema"
)

// Wildcards accepted by SetBreakpoint and ClearBreakpoint. RunAnyName is
// accepted as a spelling of RunAny.
const (
	RunAny     = "*"
	RunAnyName = "any"
	NodeAny    = "*"
)

// Breakpoint addresses a node of a script, optionally restricted to one run.
type Breakpoint struct {
	ScriptID string `json:"script_id"`
	RunID    string `json:"run_id"`
	Path     string `json:"node"`
}

// Notifier is told about every breakpoint hit.
type Notifier interface {
	BreakpointHit(ctx context.Context, scriptID, runID, path string)
}

type command int

const (
	cmdContinue command = iota
	cmdStop
)

type halt struct {
	scriptID string
	path     string
	ch       chan command
}

// Debugger holds the breakpoint table and the halted runs.
type Debugger struct {
	notify Notifier

	mu          sync.Mutex
	breakpoints map[string]map[string]map[string]struct{}
	halts       map[string][]*halt
}

// NewDebugger creates a Debugger. notify may be nil.
func NewDebugger(notify Notifier) *Debugger {
	return &Debugger{
		notify:      notify,
		breakpoints: make(map[string]map[string]map[string]struct{}),
		halts:       make(map[string][]*halt),
	}
}

// SetBreakpoint adds a breakpoint. Empty runID and path mean any, as does
// runID "any".
func (d *Debugger) SetBreakpoint(scriptID, runID, path string) {
	runID, path = normalize(runID, path)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.set(scriptID, runID, path)
}

func (d *Debugger) set(scriptID, runID, path string) {
	runs := d.breakpoints[scriptID]
	if runs == nil {
		runs = make(map[string]map[string]struct{})
		d.breakpoints[scriptID] = runs
	}
	if runs[runID] == nil {
		runs[runID] = make(map[string]struct{})
	}
	runs[runID][path] = struct{}{}
}

// ClearBreakpoint removes a breakpoint. Unknown breakpoints are ignored.
func (d *Debugger) ClearBreakpoint(scriptID, runID, path string) {
	runID, path = normalize(runID, path)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.clear(scriptID, runID, path)
}

func (d *Debugger) clear(scriptID, runID, path string) {
	runs := d.breakpoints[scriptID]
	if runs == nil || runs[runID] == nil {
		return
	}
	delete(runs[runID], path)
	if len(runs[runID]) == 0 {
		delete(runs, runID)
	}
	if len(runs) == 0 {
		delete(d.breakpoints, scriptID)
	}
}

// ClearRun drops the breakpoints registered for one run.
func (d *Debugger) ClearRun(scriptID, runID string) {
	runID, _ = normalize(runID, "")
	d.mu.Lock()
	defer d.mu.Unlock()
	if runs := d.breakpoints[scriptID]; runs != nil {
		delete(runs, runID)
		if len(runs) == 0 {
			delete(d.breakpoints, scriptID)
		}
	}
}

// ClearScript drops every breakpoint of a script.
func (d *Debugger) ClearScript(scriptID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.breakpoints, scriptID)
}

// ClearAll drops every breakpoint.
func (d *Debugger) ClearAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.breakpoints)
}

// Breakpoints lists the breakpoints of scriptID, or of every script when
// scriptID is empty, sorted by script, run and path.
func (d *Debugger) Breakpoints(scriptID string) []Breakpoint {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Breakpoint
	for key, runs := range d.breakpoints {
		if scriptID != "" && key != scriptID {
			continue
		}
		for runID, paths := range runs {
			for path := range paths {
				out = append(out, Breakpoint{ScriptID: key, RunID: runID, Path: path})
			}
		}
	}
	slices.SortFunc(out, func(a, b Breakpoint) int {
		if c := strings.Compare(a.ScriptID, b.ScriptID); c != 0 {
			return c
		}
		if c := strings.Compare(a.RunID, b.RunID); c != 0 {
			return c
		}
		return strings.Compare(a.Path, b.Path)
	})
	return out
}

func (d *Debugger) matches(scriptID, runID, path string) bool {
	runs := d.breakpoints[scriptID]
	if runs == nil {
		return false
	}
	for _, id := range []string{runID, RunAny} {
		paths := runs[id]
		if paths == nil {
			continue
		}
		if _, ok := paths[path]; ok {
			return true
		}
		if _, ok := paths[NodeAny]; ok {
			return true
		}
	}
	return false
}

// Check is called immediately before a node body runs. When a breakpoint
// matches, the run halts until it is stepped, continued or stopped, or ctx
// is done. It returns true when the run must stop.
func (d *Debugger) Check(ctx context.Context, scriptID, runID, path string) bool {
	d.mu.Lock()
	if !d.matches(scriptID, runID, path) {
		d.mu.Unlock()
		return false
	}
	h := &halt{scriptID: scriptID, path: path, ch: make(chan command, 1)}
	d.halts[runID] = append(d.halts[runID], h)
	d.mu.Unlock()

	defer d.drop(runID, h)

	if d.notify != nil {
		d.notify.BreakpointHit(ctx, scriptID, runID, path)
	}

	select {
	case cmd := <-h.ch:
		return cmd == cmdStop
	case <-ctx.Done():
		return false
	}
}

func (d *Debugger) drop(runID string, h *halt) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := slices.DeleteFunc(d.halts[runID], func(x *halt) bool { return x == h })
	if len(list) == 0 {
		delete(d.halts, runID)
		return
	}
	d.halts[runID] = list
}

// Halted returns the paths a run is halted at. Parallel branches of one
// run may be halted at the same time.
func (d *Debugger) Halted(runID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	paths := make([]string, 0, len(d.halts[runID]))
	for _, h := range d.halts[runID] {
		paths = append(paths, h.path)
	}
	slices.Sort(paths)
	return paths
}

// Step releases a halted run and halts it again before its next node.
func (d *Debugger) Step(scriptID, runID string) error {
	return d.release(scriptID, runID, cmdContinue, func() { d.set(scriptID, runID, NodeAny) })
}

// Continue releases a halted run, dropping the single-step breakpoint.
func (d *Debugger) Continue(scriptID, runID string) error {
	return d.release(scriptID, runID, cmdContinue, func() { d.clear(scriptID, runID, NodeAny) })
}

// Stop releases a halted run with a stop command.
func (d *Debugger) Stop(scriptID, runID string) error {
	return d.release(scriptID, runID, cmdStop, nil)
}

// ContinueAll releases every halted run.
func (d *Debugger) ContinueAll() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for runID, list := range d.halts {
		for _, h := range list {
			d.clear(h.scriptID, runID, NodeAny)
			if send(h, cmdContinue) {
				n++
			}
		}
		delete(d.halts, runID)
	}
	return n
}

func (d *Debugger) release(scriptID, runID string, cmd command, update func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.halts[runID]
	if len(list) == 0 || list[0].scriptID != scriptID {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %q of script %q is not halted", runID, scriptID)
	}
	if update != nil {
		update()
	}
	for _, h := range list {
		send(h, cmd)
	}
	delete(d.halts, runID)
	return nil
}

func send(h *halt, cmd command) bool {
	select {
	case h.ch <- cmd:
		return true
	default:
		return false
	}
}

func normalize(runID, path string) (string, string) {
	if runID == "" || runID == RunAnyName {
		runID = RunAny
	}
	if path == "" {
		path = NodeAny
	}
	return runID, path
}
