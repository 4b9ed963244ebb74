package expressions

import (
	"context"
	"errors"
	"testing"

	"github.com/rendis/scriptd/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprEngine_Iif(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, "iif(x > 1, 'big', 'small')", map[string]any{"x": 3})
	require.NoError(t, err)
	assert.Equal(t, "big", out)

	out, err = e.Evaluate(ctx, "iif(x > 1, 'big')", map[string]any{"x": 0})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestExprEngine_CachesPrograms(t *testing.T) {
	e := NewExprEngine()
	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(context.Background(), "a + 1", map[string]any{"a": i})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, e.programs.size())

	_, err := e.Evaluate(context.Background(), "a +", nil)
	require.Error(t, err)
	assert.Equal(t, 1, e.programs.size(), "failed compiles are not cached")
}

func TestGoJQEngine_Outputs(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()
	data := map[string]any{"xs": []any{1, 2, 3}}

	out, err := e.Evaluate(ctx, ".xs[]", data)
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0, 3.0}, out)

	out, err = e.Evaluate(ctx, ".xs | add", data)
	require.NoError(t, err)
	assert.Equal(t, 6.0, out)

	out, err = e.Evaluate(ctx, "empty", data)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = e.Evaluate(ctx, "$ENV | length", data)
	require.NoError(t, err)
	assert.Equal(t, 0, out, "environment is hidden")
}

func TestEngines_ErrorDetails(t *testing.T) {
	cel, err := NewCELEngine()
	require.NoError(t, err)

	tests := []struct {
		engine Engine
		expr   string
		code   string
	}{
		{cel, "1 +", schema.ErrCodeCondition},
		{cel, "1 / zero", schema.ErrCodeCondition},
		{NewExprEngine(), "1 +", schema.ErrCodeRender},
		{NewGoJQEngine(), ".[[", schema.ErrCodeRender},
		{NewGoJQEngine(), "error(\"boom\")", schema.ErrCodeRender},
	}
	for _, tt := range tests {
		t.Run(tt.engine.Name()+" "+tt.expr, func(t *testing.T) {
			_, err := tt.engine.Evaluate(context.Background(), tt.expr, map[string]any{"zero": 0})
			var se *schema.ScriptError
			require.True(t, errors.As(err, &se), "%v", err)
			assert.Equal(t, tt.code, se.Code)
			assert.Equal(t, tt.expr, se.Details["expression"])
			assert.Equal(t, tt.engine.Name(), se.Details["engine"])
		})
	}
}
