package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/scriptd/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderer_PlainValuesUnchanged(t *testing.T) {
	r := NewRenderer()
	ctx := context.Background()

	for _, v := range []any{"hello", 42, 1.5, true, nil} {
		out, err := r.Render(ctx, v, nil)
		require.NoError(t, err)
		assert.Equal(t, v, out)
	}
}

func TestRenderer_SingleBlockKeepsType(t *testing.T) {
	r := NewRenderer()
	vars := map[string]any{
		"repeat": map[string]any{"index": 2, "item": "b"},
		"items":  []any{1, 2, 3},
	}

	out, err := r.Render(context.Background(), "{{ repeat.index }}", vars)
	require.NoError(t, err)
	assert.Equal(t, 2, out)

	out, err = r.Render(context.Background(), "{{ items }}", vars)
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3}, out)

	out, err = r.Render(context.Background(), "  {{ repeat.index * 10 }}  ", vars)
	require.NoError(t, err)
	assert.Equal(t, 20, out)
}

func TestRenderer_Interpolation(t *testing.T) {
	r := NewRenderer()
	vars := map[string]any{"name": "porch", "n": 3, "m": map[string]any{"a": 1}}

	out, err := r.Render(context.Background(), "light {{ name }} x{{ n }} {{ m }}", vars)
	require.NoError(t, err)
	assert.Equal(t, `light porch x3 {"a":1}`, out)
}

func TestRenderer_UndefinedIsNil(t *testing.T) {
	r := NewRenderer()
	out, err := r.Render(context.Background(), "{{ missing }}", map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestRenderer_NestedStructures(t *testing.T) {
	r := NewRenderer()
	vars := map[string]any{"v": 7}

	out, err := r.Render(context.Background(), map[string]any{
		"level": "{{ v }}",
		"list":  []any{"{{ v + 1 }}", "static"},
	}, vars)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"level": 7, "list": []any{8, "static"}}, out)

	m, err := r.RenderMap(context.Background(), nil, vars)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestRenderer_JQPrefix(t *testing.T) {
	r := NewRenderer()
	vars := map[string]any{"lights": []any{
		map[string]any{"id": "a", "on": true},
		map[string]any{"id": "b", "on": false},
	}}

	out, err := r.Render(context.Background(), "jq: [.lights[] | select(.on) | .id]", vars)
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, out)
}

func TestRenderer_Errors(t *testing.T) {
	r := NewRenderer()
	ctx := context.Background()

	tests := []struct {
		name string
		tpl  string
	}{
		{"compile", "{{ 1 + }}"},
		{"unclosed", "value {{ x"},
		{"runtime", `{{ int(word) }}`},
		{"jq parse", "jq: .[["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Render(ctx, tt.tpl, map[string]any{"word": "abc"})
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeRender), "got %v", err)
		})
	}
}

func TestRenderer_RenderBool(t *testing.T) {
	r := NewRenderer()
	vars := map[string]any{"x": 2}

	ok, err := r.RenderBool(context.Background(), "{{ x > 1 }}", vars)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.RenderBool(context.Background(), "{{ x > 5 }}", vars)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTruthy(t *testing.T) {
	truthy := []any{true, 1, 2.5, "true", "On", "yes", "1", []any{1}, map[string]any{"a": 1}}
	falsy := []any{nil, false, 0, 0.0, "", "off", "no", "0", []any{}, map[string]any{}, struct{}{}}

	for _, v := range truthy {
		assert.True(t, Truthy(v), "%#v", v)
	}
	for _, v := range falsy {
		assert.False(t, Truthy(v), "%#v", v)
	}
}

func TestRenderer_ConcurrentUse(t *testing.T) {
	r := NewRenderer()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out, err := r.Render(context.Background(), "{{ n * 2 }}", map[string]any{"n": n})
			assert.NoError(t, err)
			assert.Equal(t, n*2, out)
		}(i)
	}
	wg.Wait()
}
