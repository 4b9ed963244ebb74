package trace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/scriptd/pkg/schema"
)

func TestTrace_BeginEndSnapshot(t *testing.T) {
	tr := New("porch", "r1")

	el := tr.Begin("0")
	tr.SetResult(el, map[string]any{"choice": "then"})
	tr.End(el, nil, map[string]any{"x": 1})

	el = tr.Begin("1")
	tr.End(el, schema.NewError(schema.ErrCodeActionExecution, "boom").WithPath("1"), map[string]any{"x": 2})

	tr.Finish(schema.ExecutionError, errors.New("boom"), nil)
	require.True(t, tr.Done())

	snap := tr.Snapshot()
	assert.Equal(t, []string{"0", "1"}, snap.Paths())
	assert.Equal(t, "then", snap.Elements["0"][0].Result["choice"])
	assert.Equal(t, map[string]any{"x": 1}, snap.Elements["0"][0].Variables)
	assert.Equal(t, schema.ErrCodeActionExecution, snap.Elements["1"][0].ErrorCode)
	assert.Equal(t, "1", snap.LastStep)
	assert.Equal(t, schema.ExecutionError, snap.Execution)
	assert.Equal(t, "boom", snap.Error)
	require.NotNil(t, snap.Finished)
}

func TestTrace_EndClearsEarlierError(t *testing.T) {
	tr := New("s", "r")
	el := tr.Begin("0")
	tr.End(el, errors.New("first"), nil)
	tr.End(el, nil, nil)
	assert.Empty(t, tr.Snapshot().Elements["0"][0].Error)
}

func TestTrace_CapsElementsPerPath(t *testing.T) {
	tr := New("s", "r")
	for i := range MaxElementsPerPath + 5 {
		el := tr.Begin("0/repeat/sequence/0")
		tr.End(el, nil, map[string]any{"i": i})
	}

	list := tr.Snapshot().Elements["0/repeat/sequence/0"]
	require.Len(t, list, MaxElementsPerPath)
	assert.Equal(t, 5, list[0].Variables["i"], "oldest elements are dropped")
	assert.Equal(t, MaxElementsPerPath+4, list[len(list)-1].Variables["i"])
}

func TestTrace_ConcurrentBranches(t *testing.T) {
	tr := New("s", "r")
	var wg sync.WaitGroup
	for b := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			path := fmt.Sprintf("0/parallel/%d/sequence/0", b)
			el := tr.Begin(path)
			tr.SetResult(el, map[string]any{"b": b})
			tr.End(el, nil, nil)
		}()
	}
	wg.Wait()
	assert.Len(t, tr.Snapshot().Elements, 8)
}

type memPersister struct {
	mu    sync.Mutex
	saved []Snapshot
	err   error
}

func (m *memPersister) SaveTrace(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, snap)
	return m.err
}

func TestController_NewRunDropsFinishedTraces(t *testing.T) {
	p := &memPersister{}
	c := NewController(p, nil)

	first := c.Start("porch", "r1")
	running := c.Start("porch", "r2")
	other := c.Start("garage", "g1")
	first.Finish(schema.ExecutionFinished, nil, nil)
	other.Finish(schema.ExecutionFinished, nil, nil)
	c.Complete(context.Background(), first)

	c.Start("porch", "r3")

	_, ok := c.Get("r1")
	assert.False(t, ok, "finished trace of the same script is dropped")
	got, ok := c.Get("r2")
	assert.True(t, ok)
	assert.Same(t, running, got)
	_, ok = c.Get("g1")
	assert.True(t, ok, "other scripts are untouched")
	assert.Equal(t, []string{"r2", "r3"}, c.ScriptRuns("porch"))

	require.Len(t, p.saved, 1)
	assert.Equal(t, "r1", p.saved[0].RunID)
}

func TestController_PersistErrorIsLogged(t *testing.T) {
	c := NewController(&memPersister{err: errors.New("disk full")}, nil)
	tr := c.Start("s", "r")
	tr.Finish(schema.ExecutionFinished, nil, nil)
	assert.NotPanics(t, func() { c.Complete(context.Background(), tr) })
}
