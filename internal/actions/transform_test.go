package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransformExecutor_Reshape(t *testing.T) {
	ex := NewTransformExecutor()
	out, err := ex.Execute(context.Background(), Request{
		Config: map[string]any{"expression": `{count: (.items | length)}`},
		Context: map[string]any{
			"items": []any{"a", "b", "c"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": 3}, out["result"])
}

func TestTransformExecutor_MissingExpression(t *testing.T) {
	ex := NewTransformExecutor()
	_, err := ex.Execute(context.Background(), Request{Config: map[string]any{}})
	require.Error(t, err)
}

func TestTransformExecutor_BadExpression(t *testing.T) {
	ex := NewTransformExecutor()
	_, err := ex.Execute(context.Background(), Request{
		Config:  map[string]any{"expression": ".[broken"},
		Context: map[string]any{},
	})
	require.Error(t, err)
}
