package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookflow/hookflow/pkg/schema"
)

func newValidator(t *testing.T) *SnapshotValidator {
	t.Helper()
	v, err := NewSnapshotValidator()
	require.NoError(t, err)
	return v
}

func validSnapshot() map[string]any {
	return map[string]any{
		"nodes": []any{
			map[string]any{"id": "t1", "type": "trigger", "data": map[string]any{"label": "Start"}},
			map[string]any{"id": "a1", "type": "action", "data": map[string]any{"actionType": "http"}},
		},
		"edges": []any{
			map[string]any{"id": "e1", "source": "t1", "target": "a1"},
		},
	}
}

func TestValidateSnapshot_Valid(t *testing.T) {
	v := newValidator(t)
	require.NoError(t, v.ValidateSnapshot(validSnapshot()))
}

func TestValidateSnapshot_ReservedKeysAllowed(t *testing.T) {
	v := newValidator(t)
	snap := validSnapshot()
	snap["_trigger_context"] = map[string]any{"x": "5"}
	snap["_egress_allowlist"] = []any{"api.example.com"}
	snap["_start_from_node"] = "a1"
	require.NoError(t, v.ValidateSnapshot(snap))
}

func TestValidateSnapshot_MissingCollections(t *testing.T) {
	v := newValidator(t)

	err := v.ValidateSnapshot(map[string]any{"edges": []any{}})
	require.Error(t, err)

	err = v.ValidateSnapshot(map[string]any{"nodes": []any{}})
	require.Error(t, err)
}

func TestValidateSnapshot_BadNodeKind(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateSnapshot(map[string]any{
		"nodes": []any{map[string]any{"id": "n1", "type": "widget"}},
		"edges": []any{},
	})
	require.Error(t, err)
	hfErr, ok := err.(*schema.Error)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, hfErr.Code)
}

func TestValidateSnapshot_EdgeMissingTarget(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateSnapshot(map[string]any{
		"nodes": []any{map[string]any{"id": "n1", "type": "trigger"}},
		"edges": []any{map[string]any{"source": "n1"}},
	})
	require.Error(t, err)
}

func TestValidateSnapshot_DuplicateNodeID(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateSnapshot(map[string]any{
		"nodes": []any{
			map[string]any{"id": "n1", "type": "trigger"},
			map[string]any{"id": "n1", "type": "action"},
		},
		"edges": []any{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate node id")
}

func TestValidateSnapshot_Nil(t *testing.T) {
	v := newValidator(t)
	require.Error(t, v.ValidateSnapshot(nil))
}
