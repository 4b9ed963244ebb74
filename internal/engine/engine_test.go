package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/scriptd/internal/expressions"
	"github.com/rendis/scriptd/internal/streaming"
	"github.com/rendis/scriptd/internal/triggers"
	"github.com/rendis/scriptd/internal/wait"
	"github.com/rendis/scriptd/pkg/schema"
)

// stubActions records calls and dispatches them to per-action handlers.
type stubActions struct {
	mu       sync.Mutex
	calls    []schema.ActionCall
	handlers map[string]func(ctx context.Context, call schema.ActionCall) (any, error)
}

func (s *stubActions) Invoke(ctx context.Context, call schema.ActionCall) (any, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	h := s.handlers[call.Action]
	s.mu.Unlock()
	if h == nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionNotFound, "action %s not found", call.Action)
	}
	return h(ctx, call)
}

func (s *stubActions) handle(action string, h func(ctx context.Context, call schema.ActionCall) (any, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[action] = h
}

func (s *stubActions) Calls() []schema.ActionCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.ActionCall(nil), s.calls...)
}

type firedEvent struct {
	Name string
	Data map[string]any
}

// recordingBus records fired events before publishing them.
type recordingBus struct {
	*streaming.Bus

	mu    sync.Mutex
	fired []firedEvent
}

func (b *recordingBus) Fire(ctx context.Context, event string, data map[string]any) error {
	b.mu.Lock()
	b.fired = append(b.fired, firedEvent{Name: event, Data: data})
	b.mu.Unlock()
	return b.Bus.Fire(ctx, event, data)
}

// Values returns data[key] of every fired event called name, in order.
func (b *recordingBus) Values(name, key string) []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []any
	for _, e := range b.fired {
		if e.Name == name {
			out = append(out, e.Data[key])
		}
	}
	return out
}

func (b *recordingBus) Count(name string) int {
	return len(b.Values(name, ""))
}

type harness struct {
	engine   *Engine
	hub      *streaming.MemoryHub
	bus      *recordingBus
	states   *streaming.States
	actions  *stubActions
	appender *mockAppender
	waiter   *wait.Coordinator
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := streaming.NewMemoryHub()
	bus := &recordingBus{Bus: streaming.NewBus(hub)}
	states := streaming.NewStates(bus.Bus)
	renderer := expressions.NewRenderer()
	conditions, err := expressions.NewConditions()
	require.NoError(t, err)

	waiter := wait.NewCoordinator(bus.Bus, triggers.NewRegistry(hub, renderer, logger), logger)
	actions := &stubActions{handlers: map[string]func(context.Context, schema.ActionCall) (any, error){
		"test.noop": func(context.Context, schema.ActionCall) (any, error) { return nil, nil },
	}}
	appender := &mockAppender{}

	cfg := Config{
		Actions:     actions,
		Events:      bus,
		Conditions:  conditions,
		Renderer:    renderer,
		Waiter:      waiter,
		Appender:    appender,
		Breakpoints: bus.Bus,
		Globals: func() map[string]any {
			return map[string]any{"states": states.Snapshot()}
		},
		ShutdownGrace: time.Second,
		Logger:        logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	return &harness{
		engine:   e,
		hub:      hub,
		bus:      bus,
		states:   states,
		actions:  actions,
		appender: appender,
		waiter:   waiter,
	}
}

func (h *harness) load(t *testing.T, src string) *Script {
	t.Helper()
	def, err := schema.ParseDefinition([]byte(src), "yaml")
	require.NoError(t, err)
	s, err := h.engine.Load(context.Background(), def)
	require.NoError(t, err)
	return s
}

func (h *harness) run(t *testing.T, s *Script, vars map[string]any) *RunResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := s.Run(ctx, vars)
	if err != nil {
		require.NotNil(t, res, "run failed before producing a result: %v", err)
	}
	return res
}

func awaitStatus(t *testing.T, r *Run, status schema.RunStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return r.Status() == status },
		2*time.Second, 5*time.Millisecond, "run %s never reached %s (is %s)", r.ID, status, r.Status())
}

func awaitDone(t *testing.T, r *Run) *RunResult {
	t.Helper()
	select {
	case <-r.Done():
		return r.Result()
	case <-time.After(5 * time.Second):
		t.Fatalf("run %s did not end", r.ID)
		return nil
	}
}

func TestEngine_EndToEndEvents(t *testing.T) {
	h := newHarness(t)
	s := h.load(t, `
id: five
sequence:
  - event: e
    event_data: {v: 1}
  - repeat:
      count: 3
      sequence:
        - event: e
          event_data: {v: "{{ repeat.index }}"}
  - event: e
    event_data: {v: 99}
`)
	res := h.run(t, s, nil)
	assert.Equal(t, schema.ExecutionFinished, res.Execution)
	assert.NoError(t, res.Error)
	assert.Equal(t, []any{1, 1, 2, 3, 99}, h.bus.Values("e", "v"))

	ex, ok := h.engine.ScriptExecution(res.RunID)
	require.True(t, ok)
	assert.Equal(t, schema.ExecutionFinished, ex)
	assert.Equal(t, []string{schema.EventRunStarted, schema.EventRunFinished}, h.appender.Types(res.RunID))
}

func TestEngine_RepeatCount(t *testing.T) {
	for _, n := range []int{0, 1, 4} {
		h := newHarness(t)
		s := h.load(t, `
id: count
variables:
  n: 0
sequence:
  - repeat:
      count: "{{ n }}"
      sequence:
        - event: tick
          event_data:
            first: "{{ repeat.first }}"
            last: "{{ repeat.last }}"
            index: "{{ repeat.index }}"
`)
		res := h.run(t, s, map[string]any{"n": n})
		require.Equal(t, schema.ExecutionFinished, res.Execution)

		first := h.bus.Values("tick", "first")
		last := h.bus.Values("tick", "last")
		index := h.bus.Values("tick", "index")
		require.Len(t, index, n)
		for i := range n {
			assert.Equal(t, i+1, index[i])
			assert.Equal(t, i == 0, first[i])
			assert.Equal(t, i == n-1, last[i])
		}
	}
}

func TestEngine_RepeatForEach(t *testing.T) {
	h := newHarness(t)
	s := h.load(t, `
id: each
sequence:
  - repeat:
      for_each: [a, b, c]
      sequence:
        - event: item
          event_data: {item: "{{ repeat.item }}", index: "{{ repeat.index }}", last: "{{ repeat.last }}"}
`)
	res := h.run(t, s, nil)
	require.Equal(t, schema.ExecutionFinished, res.Execution)
	assert.Equal(t, []any{"a", "b", "c"}, h.bus.Values("item", "item"))
	assert.Equal(t, []any{1, 2, 3}, h.bus.Values("item", "index"))
	assert.Equal(t, []any{false, false, true}, h.bus.Values("item", "last"))
}

func TestEngine_RepeatForEachNotAList(t *testing.T) {
	h := newHarness(t)
	s := h.load(t, `
id: each
sequence:
  - repeat:
      for_each: "{{ 5 }}"
      sequence:
        - event: item
  - event: after
`)
	res := h.run(t, s, nil)
	assert.Equal(t, schema.ExecutionAborted, res.Execution)
	require.Error(t, res.Error)
	assert.True(t, schema.IsCode(res.Error, schema.ErrCodeAborted))
	assert.Zero(t, h.bus.Count("item"))
	assert.Zero(t, h.bus.Count("after"))

	snap, err := h.engine.Trace(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionAborted, snap.Execution)
	assert.Equal(t, schema.ErrCodeAborted, snap.Elements["0"][0].ErrorCode)
}

func TestEngine_WaitTemplateAlreadyTrue(t *testing.T) {
	h := newHarness(t)
	s := h.load(t, `
id: immediate
sequence:
  - wait_template: "{{ ready }}"
    timeout: 5
  - event: after
    event_data: {completed: "{{ wait.completed }}", remaining: "{{ wait.remaining }}"}
`)
	res := h.run(t, s, map[string]any{"ready": true})
	require.Equal(t, schema.ExecutionFinished, res.Execution)
	assert.Equal(t, []any{true}, h.bus.Values("after", "completed"))
	assert.Equal(t, []any{5.0}, h.bus.Values("after", "remaining"))
	assert.NotContains(t, h.appender.Types(res.RunID), schema.EventRunSuspended)
}

func TestEngine_WaitTemplateSuspendsUntilTrue(t *testing.T) {
	h := newHarness(t)
	s := h.load(t, `
id: door
sequence:
  - wait_template: "{{ states['sensor.door'] == 'open' }}"
  - event: opened
    event_data: {completed: "{{ wait.completed }}", remaining: "{{ wait.remaining }}"}
`)
	run, err := s.Submit(context.Background(), nil)
	require.NoError(t, err)
	awaitStatus(t, run, schema.RunStatusSuspended)
	assert.Zero(t, h.bus.Count("opened"))
	assert.Equal(t, []string{"0"}, run.CurrentPaths())

	require.NoError(t, h.states.Set(context.Background(), "sensor.door", "closed"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, schema.RunStatusSuspended, run.Status())

	require.NoError(t, h.states.Set(context.Background(), "sensor.door", "open"))
	res := awaitDone(t, run)
	require.Equal(t, schema.ExecutionFinished, res.Execution)
	assert.Equal(t, []any{true}, h.bus.Values("opened", "completed"))
	assert.Equal(t, []any{nil}, h.bus.Values("opened", "remaining"))
	assert.Equal(t, 0, h.waiter.Pending(run.ID))
	assert.Equal(t, []string{
		schema.EventRunStarted,
		schema.EventRunSuspended,
		schema.EventRunResumed,
		schema.EventRunFinished,
	}, h.appender.Types(run.ID))
}

func TestEngine_WaitTemplateTimeout(t *testing.T) {
	tests := []struct {
		name      string
		cont      bool
		execution schema.Execution
		after     int
	}{
		{"continue", true, schema.ExecutionFinished, 1},
		{"abort", false, schema.ExecutionAborted, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			s := h.load(t, `
id: timeout
sequence:
  - wait_template: "{{ states['never'] == 'on' }}"
    timeout: 0.05
    continue_on_timeout: `+map[bool]string{true: "true", false: "false"}[tt.cont]+`
  - event: after
    event_data: {completed: "{{ wait.completed }}", remaining: "{{ wait.remaining }}"}
`)
			res := h.run(t, s, nil)
			assert.Equal(t, tt.execution, res.Execution)
			assert.Equal(t, tt.after, h.bus.Count("after"))
			if tt.cont {
				assert.NoError(t, res.Error)
				assert.Equal(t, []any{false}, h.bus.Values("after", "completed"))
				assert.Equal(t, []any{0.0}, h.bus.Values("after", "remaining"))
			} else {
				assert.True(t, schema.IsCode(res.Error, schema.ErrCodeTimeout))
			}
		})
	}
}

func TestEngine_ParallelForEachIsolation(t *testing.T) {
	h := newHarness(t)
	s := h.load(t, `
id: par
sequence:
  - parallel:
      - repeat:
          for_each: [1, 2, 3]
          sequence:
            - variables: {a_var: "{{ repeat.item }}"}
            - delay: 0.005
            - event: a
              event_data: {v: "{{ a_var }}"}
      - repeat:
          for_each: [10, 20, 30]
          sequence:
            - variables: {b_var: "{{ repeat.item }}"}
            - delay: 0.003
            - event: b
              event_data: {v: "{{ b_var }}"}
`)
	res := h.run(t, s, nil)
	require.Equal(t, schema.ExecutionFinished, res.Execution)
	assert.Equal(t, []any{1, 2, 3}, h.bus.Values("a", "v"))
	assert.Equal(t, []any{10, 20, 30}, h.bus.Values("b", "v"))
	assert.NotContains(t, res.Variables, "a_var")
	assert.NotContains(t, res.Variables, "b_var")

	snap, err := h.engine.Trace(res.RunID)
	require.NoError(t, err)
	for path, elements := range snap.Elements {
		for _, el := range elements {
			switch {
			case strings.HasPrefix(path, "0/parallel/0/"):
				assert.NotContains(t, el.Variables, "b_var", path)
			case strings.HasPrefix(path, "0/parallel/1/"):
				assert.NotContains(t, el.Variables, "a_var", path)
			}
		}
	}
}

const blockingScript = `
id: blocker
mode: %s
max: 2
sequence:
  - wait_template: "{{ states['go'] == true }}"
  - event: done
    event_data: {n: "{{ n }}"}
`

func loadBlocking(t *testing.T, h *harness, mode schema.Mode) *Script {
	return h.load(t, fmt.Sprintf(blockingScript, mode))
}

func TestEngine_SingleRejectsSecondRun(t *testing.T) {
	h := newHarness(t)
	s := loadBlocking(t, h, schema.ModeSingle)

	first, err := s.Submit(context.Background(), map[string]any{"n": 1})
	require.NoError(t, err)
	awaitStatus(t, first, schema.RunStatusSuspended)

	_, err = s.Submit(context.Background(), map[string]any{"n": 2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunRejected))
	assert.True(t, schema.IsCode(err, schema.ErrCodeRejected))

	res, err := s.Run(context.Background(), map[string]any{"n": 3})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailedSingle, res.Execution)
	ex, ok := h.engine.ScriptExecution(res.RunID)
	require.True(t, ok)
	assert.Equal(t, schema.ExecutionFailedSingle, ex)
	assert.Equal(t, []string{schema.EventRunRejected}, h.appender.Types(res.RunID))

	assert.Equal(t, schema.RunStatusSuspended, first.Status(), "active run is unaffected")
	require.NoError(t, h.states.Set(context.Background(), "go", true))
	done := awaitDone(t, first)
	assert.Equal(t, schema.ExecutionFinished, done.Execution)
	assert.Equal(t, []any{1}, h.bus.Values("done", "n"))
}

func TestEngine_ParallelRejectsBeyondMax(t *testing.T) {
	h := newHarness(t)
	s := loadBlocking(t, h, schema.ModeParallel)

	for n := range 2 {
		r, err := s.Submit(context.Background(), map[string]any{"n": n})
		require.NoError(t, err)
		awaitStatus(t, r, schema.RunStatusSuspended)
	}
	res, err := s.Run(context.Background(), map[string]any{"n": 9})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailedMaxRuns, res.Execution)
	assert.Len(t, s.Runs(), 2)
}

func TestEngine_QueuedStartsAfterSlotFrees(t *testing.T) {
	h := newHarness(t)
	s := loadBlocking(t, h, schema.ModeQueued)

	var runs []*Run
	for n := 1; n <= 3; n++ {
		r, err := s.Submit(context.Background(), map[string]any{"n": n})
		require.NoError(t, err)
		runs = append(runs, r)
	}
	awaitStatus(t, runs[0], schema.RunStatusSuspended)
	awaitStatus(t, runs[1], schema.RunStatusSuspended)
	assert.Equal(t, schema.RunStatusQueued, runs[2].Status())
	assert.Equal(t, 1, s.Pending())
	assert.True(t, runs[2].Started().IsZero())

	require.NoError(t, h.states.Set(context.Background(), "go", true))
	for _, r := range runs {
		assert.Equal(t, schema.ExecutionFinished, awaitDone(t, r).Execution)
	}
	assert.ElementsMatch(t, []any{1, 2, 3}, h.bus.Values("done", "n"))
	assert.Equal(t, []string{
		schema.EventRunQueued,
		schema.EventRunStarted,
		schema.EventRunFinished,
	}, h.appender.Types(runs[2].ID))
	assert.False(t, s.IsRunning())
}

func TestEngine_QueuedRunCancelledBeforeStart(t *testing.T) {
	h := newHarness(t)
	s := loadBlocking(t, h, schema.ModeQueued)

	var runs []*Run
	for n := 1; n <= 3; n++ {
		r, err := s.Submit(context.Background(), map[string]any{"n": n})
		require.NoError(t, err)
		runs = append(runs, r)
	}
	awaitStatus(t, runs[1], schema.RunStatusSuspended)
	require.Equal(t, 1, s.Pending())

	require.NoError(t, s.Stop(context.Background(), runs[2].ID))
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, schema.ExecutionCancelled, awaitDone(t, runs[2]).Execution)
	assert.Equal(t, schema.RunStatusSuspended, runs[0].Status())
	assert.Equal(t, schema.RunStatusSuspended, runs[1].Status())

	require.NoError(t, h.states.Set(context.Background(), "go", true))
	awaitDone(t, runs[0])
	awaitDone(t, runs[1])
	assert.ElementsMatch(t, []any{1, 2}, h.bus.Values("done", "n"))
}

func TestEngine_QueuedPromotionUnderLoad(t *testing.T) {
	h := newHarness(t)
	s := h.load(t, `
id: burst
mode: queued
max: 1
sequence:
  - event: done
`)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		runs []*Run
	)
	for range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := s.Submit(context.Background(), nil)
			assert.NoError(t, err)
			mu.Lock()
			runs = append(runs, r)
			mu.Unlock()
		}()
	}
	wg.Wait()

	queued := []string{schema.EventRunQueued, schema.EventRunStarted, schema.EventRunFinished}
	direct := []string{schema.EventRunStarted, schema.EventRunFinished}
	for _, r := range runs {
		require.NotNil(t, r)
		assert.Equal(t, schema.ExecutionFinished, awaitDone(t, r).Execution)
		assert.Equal(t, schema.RunStatusFinished, r.Status())
		types := h.appender.Types(r.ID)
		assert.True(t, slices.Equal(types, queued) || slices.Equal(types, direct), "run %s events %v", r.ID, types)
	}
	assert.Equal(t, 40, h.bus.Count("done"))
}

func TestRun_InvalidTransitionKeepsStatus(t *testing.T) {
	h := newHarness(t)
	s := loadBlocking(t, h, schema.ModeSingle)

	r, err := s.Submit(context.Background(), map[string]any{"n": 1})
	require.NoError(t, err)
	awaitStatus(t, r, schema.RunStatusSuspended)

	r.transition(context.Background(), schema.RunStatusQueued, "", nil)
	assert.Equal(t, schema.RunStatusSuspended, r.Status())
	assert.NotContains(t, h.appender.Types(r.ID), schema.EventRunQueued)

	require.NoError(t, h.states.Set(context.Background(), "go", true))
	assert.Equal(t, schema.ExecutionFinished, awaitDone(t, r).Execution)
}

func TestEngine_RestartCancelsPrevious(t *testing.T) {
	h := newHarness(t)
	s := loadBlocking(t, h, schema.ModeRestart)

	first, err := s.Submit(context.Background(), map[string]any{"n": 1})
	require.NoError(t, err)
	awaitStatus(t, first, schema.RunStatusSuspended)

	second, err := s.Submit(context.Background(), map[string]any{"n": 2})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, awaitDone(t, first).Execution)
	awaitStatus(t, second, schema.RunStatusSuspended)
	assert.Equal(t, 0, h.waiter.Pending(first.ID))

	require.NoError(t, h.states.Set(context.Background(), "go", true))
	assert.Equal(t, schema.ExecutionFinished, awaitDone(t, second).Execution)
	assert.Equal(t, []any{2}, h.bus.Values("done", "n"))
}

func TestEngine_StopInsideIf(t *testing.T) {
	tests := []struct {
		name      string
		errFlag   string
		execution schema.Execution
	}{
		{"finished", "false", schema.ExecutionFinished},
		{"aborted", "true", schema.ExecutionAborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			s := h.load(t, `
id: stopper
sequence:
  - event: before
  - if: "flag"
    then:
      - repeat:
          count: 2
          sequence:
            - stop: enough
              error: `+tt.errFlag+`
            - event: unreachable
  - event: after
`)
			res, err := s.Run(context.Background(), map[string]any{"flag": true})
			require.NoError(t, err)
			assert.Equal(t, tt.execution, res.Execution)
			assert.Equal(t, 1, h.bus.Count("before"))
			assert.Zero(t, h.bus.Count("unreachable"))
			assert.Zero(t, h.bus.Count("after"))
			if tt.execution == schema.ExecutionAborted {
				assert.True(t, schema.IsCode(res.Error, schema.ErrCodeStop))
			} else {
				assert.NoError(t, res.Error)
			}
		})
	}
}

func TestEngine_StopResponse(t *testing.T) {
	h := newHarness(t)
	s := h.load(t, `
id: responder
sequence:
  - variables:
      answer: {value: "{{ 40 + 2 }}"}
  - stop: done
    response_variable: answer
`)
	res := h.run(t, s, nil)
	assert.Equal(t, schema.ExecutionFinished, res.Execution)
	assert.Equal(t, map[string]any{"value": 42}, res.Response)

	missing := h.load(t, `
id: missing
sequence:
  - stop: done
    response_variable: nope
`)
	res = h.run(t, missing, nil)
	assert.Equal(t, schema.ExecutionAborted, res.Execution)
	assert.True(t, schema.IsCode(res.Error, schema.ErrCodeAborted))
}

func TestEngine_LoadRejectsInvalidDefinition(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"bad mode", "id: x\nmode: sometimes\nsequence: []", "unknown mode"},
		{"bad max", "id: x\nmode: queued\nmax: -1\nsequence: []", "max must be at least 1"},
		{"bad level", "id: x\nmax_exceeded: loud\nsequence: []", "max_exceeded"},
		{"bad node", "id: x\nsequence:\n  - bogus: 1", "unable to determine action type"},
	}
	for _, tt := range tests {
		def, err := schema.ParseDefinition([]byte(tt.src), "yaml")
		require.NoError(t, err)
		_, err = h.engine.Load(context.Background(), def)
		require.Error(t, err, tt.name)
		assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), tt.name)
		assert.Contains(t, err.Error(), tt.want, tt.name)
	}

	_, err := h.engine.Load(context.Background(), nil)
	assert.Error(t, err)
}

func TestEngine_ReloadKeepsRunningRuns(t *testing.T) {
	h := newHarness(t)
	old := loadBlocking(t, h, schema.ModeSingle)
	run, err := old.Submit(context.Background(), map[string]any{"n": 1})
	require.NoError(t, err)
	awaitStatus(t, run, schema.RunStatusSuspended)

	fresh := loadBlocking(t, h, schema.ModeSingle)
	got, ok := h.engine.Script("blocker")
	require.True(t, ok)
	assert.Same(t, fresh, got)

	_, err = old.Submit(context.Background(), nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	require.NoError(t, h.states.Set(context.Background(), "go", true))
	assert.Equal(t, schema.ExecutionFinished, awaitDone(t, run).Execution)
}

func TestEngine_UnloadStopsRuns(t *testing.T) {
	h := newHarness(t)
	s := loadBlocking(t, h, schema.ModeParallel)
	run, err := s.Submit(context.Background(), map[string]any{"n": 1})
	require.NoError(t, err)
	awaitStatus(t, run, schema.RunStatusSuspended)
	require.NoError(t, h.engine.SetBreakpoint("blocker", "", "1"))

	require.NoError(t, h.engine.Unload(context.Background(), "blocker"))
	assert.Equal(t, schema.ExecutionCancelled, run.Result().Execution)
	assert.Empty(t, h.engine.Breakpoints("blocker"))
	_, ok := h.engine.Script("blocker")
	assert.False(t, ok)

	err = h.engine.Unload(context.Background(), "blocker")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestEngine_ShutdownCancelsRuns(t *testing.T) {
	h := newHarness(t)
	s := loadBlocking(t, h, schema.ModeQueued)

	var runs []*Run
	for n := 1; n <= 3; n++ {
		r, err := s.Submit(context.Background(), map[string]any{"n": n})
		require.NoError(t, err)
		runs = append(runs, r)
	}
	awaitStatus(t, runs[1], schema.RunStatusSuspended)

	require.NoError(t, h.engine.Shutdown(context.Background()))
	for _, r := range runs {
		assert.Equal(t, schema.ExecutionCancelled, r.Result().Execution)
	}
	_, err := s.Submit(context.Background(), nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
	_, err = h.engine.Load(context.Background(), &schema.ScriptDefinition{ID: "late", Sequence: []any{}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestEngine_ShutdownForcesStragglers(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(cfg *Config) { cfg.ShutdownGrace = 30 * time.Millisecond })
	h.actions.handle("test.stuck", func(context.Context, schema.ActionCall) (any, error) {
		<-release
		return nil, nil
	})
	defer close(release)

	s := h.load(t, `
id: stuck
sequence:
  - action: test.stuck
`)
	run, err := s.Submit(context.Background(), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.actions.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.Shutdown(context.Background()))
	<-run.Done()
	assert.Equal(t, schema.ExecutionCancelled, run.Result().Execution)
	assert.False(t, s.IsRunning())
}
