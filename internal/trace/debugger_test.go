package trace

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/scriptd/pkg/schema"
)

type hits struct {
	mu   sync.Mutex
	list []Breakpoint
}

func (h *hits) BreakpointHit(_ context.Context, scriptID, runID, path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.list = append(h.list, Breakpoint{ScriptID: scriptID, RunID: runID, Path: path})
}

func (h *hits) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.list)
}

func TestDebugger_SetClearList(t *testing.T) {
	d := NewDebugger(nil)
	d.SetBreakpoint("porch", "", "1")
	d.SetBreakpoint("porch", "r1", "")
	d.SetBreakpoint("garage", RunAny, "0")

	assert.Equal(t, []Breakpoint{
		{ScriptID: "porch", RunID: RunAny, Path: "1"},
		{ScriptID: "porch", RunID: "r1", Path: NodeAny},
	}, d.Breakpoints("porch"))
	assert.Len(t, d.Breakpoints(""), 3)

	d.ClearBreakpoint("porch", "", "1")
	d.ClearBreakpoint("porch", "nope", "9")
	d.ClearRun("porch", "r1")
	assert.Empty(t, d.Breakpoints("porch"))

	d.SetBreakpoint("porch", "", "")
	d.ClearScript("garage")
	assert.Equal(t, []Breakpoint{{ScriptID: "porch", RunID: RunAny, Path: NodeAny}}, d.Breakpoints(""))

	d.ClearAll()
	assert.Empty(t, d.Breakpoints(""))
}

func TestDebugger_CheckWithoutBreakpoint(t *testing.T) {
	d := NewDebugger(nil)
	d.SetBreakpoint("porch", RunAny, "1")
	assert.False(t, d.Check(context.Background(), "porch", "r1", "0"))
	assert.False(t, d.Check(context.Background(), "garage", "r1", "1"))
}

func startCheck(d *Debugger, scriptID, runID, path string) <-chan bool {
	out := make(chan bool, 1)
	go func() { out <- d.Check(context.Background(), scriptID, runID, path) }()
	return out
}

func awaitHalt(t *testing.T, d *Debugger, runID, path string) {
	t.Helper()
	require.Eventually(t, func() bool {
		paths := d.Halted(runID)
		return len(paths) == 1 && paths[0] == path
	}, time.Second, time.Millisecond)
}

func TestDebugger_StepThenContinue(t *testing.T) {
	h := &hits{}
	d := NewDebugger(h)
	d.SetBreakpoint("porch", RunAny, "1")

	done := startCheck(d, "porch", "r1", "1")
	awaitHalt(t, d, "r1", "1")
	assert.Equal(t, 1, h.len())

	require.NoError(t, d.Step("porch", "r1"))
	assert.False(t, <-done)

	// The step breakpoint halts the run before any node.
	done = startCheck(d, "porch", "r1", "2")
	awaitHalt(t, d, "r1", "2")

	require.NoError(t, d.Continue("porch", "r1"))
	assert.False(t, <-done)
	assert.False(t, d.Check(context.Background(), "porch", "r1", "3"), "continue drops the step breakpoint")
	assert.Equal(t, 2, h.len())
}

func TestDebugger_AnyRunByName(t *testing.T) {
	d := NewDebugger(nil)
	d.SetBreakpoint("porch", "any", "1")
	assert.Equal(t, []Breakpoint{{ScriptID: "porch", RunID: RunAny, Path: "1"}}, d.Breakpoints("porch"))

	done := startCheck(d, "porch", "r7", "1")
	awaitHalt(t, d, "r7", "1")
	require.NoError(t, d.Continue("porch", "r7"))
	assert.False(t, <-done)

	d.ClearBreakpoint("porch", "any", "1")
	assert.Empty(t, d.Breakpoints("porch"))

	d.SetBreakpoint("porch", "any", "")
	d.ClearRun("porch", "any")
	assert.Empty(t, d.Breakpoints("porch"))
}

func TestDebugger_Stop(t *testing.T) {
	d := NewDebugger(nil)
	d.SetBreakpoint("porch", "r1", "0")

	done := startCheck(d, "porch", "r1", "0")
	awaitHalt(t, d, "r1", "0")

	require.NoError(t, d.Stop("porch", "r1"))
	assert.True(t, <-done)
	assert.Empty(t, d.Halted("r1"))
}

func TestDebugger_ReleaseUnknownRun(t *testing.T) {
	d := NewDebugger(nil)
	for _, fn := range []func(string, string) error{d.Step, d.Continue, d.Stop} {
		err := fn("porch", "missing")
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	}
}

func TestDebugger_ContextCancelReleasesHalt(t *testing.T) {
	d := NewDebugger(nil)
	d.SetBreakpoint("porch", RunAny, NodeAny)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- d.Check(ctx, "porch", "r1", "0") }()
	awaitHalt(t, d, "r1", "0")

	cancel()
	assert.False(t, <-done)
	assert.Eventually(t, func() bool { return len(d.Halted("r1")) == 0 }, time.Second, time.Millisecond)
}

func TestDebugger_ContinueReleasesParallelHalts(t *testing.T) {
	d := NewDebugger(nil)
	d.SetBreakpoint("porch", RunAny, NodeAny)

	a := startCheck(d, "porch", "r1", "0/parallel/0/sequence/0")
	b := startCheck(d, "porch", "r1", "0/parallel/1/sequence/0")
	require.Eventually(t, func() bool { return len(d.Halted("r1")) == 2 }, time.Second, time.Millisecond)

	require.NoError(t, d.Continue("porch", "r1"))
	assert.False(t, <-a)
	assert.False(t, <-b)
}

func TestDebugger_ContinueAll(t *testing.T) {
	d := NewDebugger(nil)
	d.SetBreakpoint("porch", RunAny, "0")
	d.SetBreakpoint("garage", RunAny, "0")

	a := startCheck(d, "porch", "r1", "0")
	b := startCheck(d, "garage", "g1", "0")
	awaitHalt(t, d, "r1", "0")
	awaitHalt(t, d, "g1", "0")

	assert.Equal(t, 2, d.ContinueAll())
	assert.False(t, <-a)
	assert.False(t, <-b)
}
