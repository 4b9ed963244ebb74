package actions

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/rendis/scriptd/internal/logging"
	"github.com/rendis/scriptd/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type firedEvent struct {
	name string
	data map[string]any
}

type recordingFirer struct {
	fired []firedEvent
	err   error
}

func (r *recordingFirer) Fire(_ context.Context, event string, data map[string]any) error {
	r.fired = append(r.fired, firedEvent{event, data})
	return r.err
}

func builtins(t *testing.T, deps BuiltinDeps) *Registry {
	t.Helper()
	reg := NewRegistry(nil)
	require.NoError(t, RegisterBuiltins(reg, deps))
	return reg
}

func TestRegisterBuiltins_OptionalDeps(t *testing.T) {
	reg := builtins(t, BuiltinDeps{})
	assert.True(t, reg.Has("system.noop"))
	assert.True(t, reg.Has("system.log"))
	assert.True(t, reg.Has("expr.eval"))
	assert.True(t, reg.Has("http.request"))
	assert.False(t, reg.Has("event.fire"))
	assert.False(t, reg.Has("script.run"))

	full := builtins(t, BuiltinDeps{
		Events:    &recordingFirer{},
		RunScript: func(context.Context, string, map[string]any) (any, error) { return nil, nil },
	})
	assert.Equal(t, 6, full.Count())
}

func TestNoop_EchoesData(t *testing.T) {
	reg := builtins(t, BuiltinDeps{})
	resp, err := reg.Invoke(context.Background(), schema.ActionCall{
		Action: "system.noop",
		Data:   map[string]any{"k": "v"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, resp)
}

func TestLog_WritesWithRunIdentity(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&buf, "debug", "json")
	reg := builtins(t, BuiltinDeps{Logger: logger})

	ctx := logging.WithIDs(context.Background(), "porch", "run-1")
	_, err := reg.Invoke(ctx, schema.ActionCall{
		Action: "system.log",
		Data:   map[string]any{"message": "hello", "level": "warning", "data": map[string]any{"n": 1}},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"msg":"hello"`)
	assert.Contains(t, out, `"level":"WARN"`)
	assert.Contains(t, out, `"run_id":"run-1"`)
}

func TestLog_RequiresMessage(t *testing.T) {
	reg := builtins(t, BuiltinDeps{Logger: slog.Default()})
	_, err := reg.Invoke(context.Background(), schema.ActionCall{Action: "system.log"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidParameters))
}

func TestExprEval(t *testing.T) {
	reg := builtins(t, BuiltinDeps{})
	resp, err := reg.Invoke(context.Background(), schema.ActionCall{
		Action: "expr.eval",
		Data:   map[string]any{"expression": "a + b", "data": map[string]any{"a": 2, "b": 3}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": float64(5)}, resp)

	_, err = reg.Invoke(context.Background(), schema.ActionCall{
		Action: "expr.eval",
		Data:   map[string]any{"expression": "a +"},
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeActionExecution))
}

func TestExprEval_Languages(t *testing.T) {
	reg := builtins(t, BuiltinDeps{})
	data := map[string]any{"xs": []any{1, 2, 3}, "n": 4}

	tests := []struct {
		lang, expression string
		want             any
	}{
		{"jq", "[.xs[] | . * 2]", []any{2.0, 4.0, 6.0}},
		{"cel", "n > 3 && size(xs) == 3", true},
		{"expr", "iif(n > 3, 'high', 'low')", "high"},
	}
	for _, tt := range tests {
		t.Run(tt.lang, func(t *testing.T) {
			resp, err := reg.Invoke(context.Background(), schema.ActionCall{
				Action: "expr.eval",
				Data:   map[string]any{"expression": tt.expression, "language": tt.lang, "data": data},
			})
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"result": tt.want}, resp)
		})
	}

	_, err := reg.Invoke(context.Background(), schema.ActionCall{
		Action: "expr.eval",
		Data:   map[string]any{"expression": "1", "language": "lua"},
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidParameters))
}

func TestEventFire(t *testing.T) {
	firer := &recordingFirer{}
	reg := builtins(t, BuiltinDeps{Events: firer})

	_, err := reg.Invoke(context.Background(), schema.ActionCall{
		Action: "event.fire",
		Data:   map[string]any{"event": "doorbell", "data": map[string]any{"door": "front"}},
	})
	require.NoError(t, err)
	require.Len(t, firer.fired, 1)
	assert.Equal(t, "doorbell", firer.fired[0].name)
	assert.Equal(t, "front", firer.fired[0].data["door"])

	firer.err = errors.New("bus closed")
	_, err = reg.Invoke(context.Background(), schema.ActionCall{
		Action: "event.fire",
		Data:   map[string]any{"event": "doorbell"},
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeActionExecution))
}

func TestScriptRun(t *testing.T) {
	var gotID string
	var gotVars map[string]any
	reg := builtins(t, BuiltinDeps{
		RunScript: func(_ context.Context, id string, vars map[string]any) (any, error) {
			gotID, gotVars = id, vars
			return map[string]any{"lights": "on"}, nil
		},
	})

	resp, err := reg.Invoke(context.Background(), schema.ActionCall{
		Action:   "script.run",
		Data:     map[string]any{"script_id": "porch", "variables": map[string]any{"level": 3}},
		ScriptID: "evening",
	})
	require.NoError(t, err)
	assert.Equal(t, "porch", gotID)
	assert.Equal(t, 3, gotVars["level"])
	assert.Equal(t, map[string]any{"lights": "on"}, resp)

	_, err = reg.Invoke(context.Background(), schema.ActionCall{
		Action:   "script.run",
		Data:     map[string]any{"script_id": "evening"},
		ScriptID: "evening",
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidParameters))
}
