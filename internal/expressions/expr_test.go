package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprEngine_Evaluate(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, "count > 3", map[string]any{"count": 5})
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(ctx, `trigger.x == "5"`, map[string]any{
		"trigger": map[string]any{"x": "5"},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprEngine_UndefinedVariablesAreNil(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), "missing == nil", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprEngine_EmptyExpression(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
}

func TestExprEngine_CompileError(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "1 +* 2", nil)
	require.Error(t, err)
}

func TestExprEngine_CacheReuse(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		out, err := e.Evaluate(ctx, "n * 2", map[string]any{"n": i})
		require.NoError(t, err)
		assert.EqualValues(t, i*2, out)
	}
	assert.Len(t, e.cache, 1)
}
