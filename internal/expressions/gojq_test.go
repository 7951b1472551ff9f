package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoJQEngine_Evaluate(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, ".trigger.x", map[string]any{
		"trigger": map[string]any{"x": "5"},
	})
	require.NoError(t, err)
	assert.Equal(t, "5", out)
}

func TestGoJQEngine_Reshape(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(),
		`{total: (.items | length), names: [.items[].name]}`,
		map[string]any{
			"items": []any{
				map[string]any{"name": "a"},
				map[string]any{"name": "b"},
			},
		})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"total": 2,
		"names": []any{"a", "b"},
	}, out)
}

func TestGoJQEngine_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), ".items[]", map[string]any{
		"items": []any{float64(1), float64(2)},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2)}, out)
}

func TestGoJQEngine_NormalizesInts(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), ".n + 1", map[string]any{"n": 41})
	require.NoError(t, err)
	assert.EqualValues(t, 42, out)
}

func TestGoJQEngine_ParseError(t *testing.T) {
	e := NewGoJQEngine()
	_, err := e.Evaluate(context.Background(), ".[broken", nil)
	require.Error(t, err)
}

func TestGoJQEngine_EnvIsBlocked(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `$ENV | length`, map[string]any{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, out)
}
