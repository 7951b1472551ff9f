package actions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookflow/hookflow/internal/store"
)

// recorderStub captures egress block events in memory.
type recorderStub struct {
	mu     sync.Mutex
	events []*store.EgressBlockEvent
}

func (r *recorderStub) CreateEgressBlockEvent(_ context.Context, ev *store.EgressBlockEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// echoExecutor returns its own config for registry tests.
type echoExecutor struct{ name string }

func (e *echoExecutor) Name() string { return e.name }
func (e *echoExecutor) Execute(_ context.Context, req Request) (map[string]any, error) {
	return map[string]any{"config": req.Config}, nil
}

func TestRegistry_DispatchCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&echoExecutor{name: "http"}))

	out, err := r.Dispatch(context.Background(), "  HTTP ", Request{Config: map[string]any{"k": "v"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, out["config"])
}

func TestRegistry_UnknownActionTypeIsSkipped(t *testing.T) {
	r := NewRegistry()
	out, err := r.Dispatch(context.Background(), "telegram", Request{})
	require.NoError(t, err)
	assert.Equal(t, true, out["skipped"])
	assert.Equal(t, "unsupported actionType", out["reason"])
}

func TestRegistry_DuplicateRegister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&echoExecutor{name: "http"}))
	require.Error(t, r.Register(&echoExecutor{name: "HTTP"}))
}

func TestRegistry_Names(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&echoExecutor{name: "email"}))
	require.NoError(t, r.Register(&echoExecutor{name: "delay"}))
	assert.Equal(t, []string{"delay", "email"}, r.Names())
}

func TestMaskSecrets(t *testing.T) {
	out := maskSecrets(map[string]any{
		"token":  "secret-token",
		"nested": []any{"prefix secret-token suffix", float64(1)},
	}, []string{"secret-token", ""})

	m := out.(map[string]any)
	assert.Equal(t, "***", m["token"])
	assert.Equal(t, "prefix *** suffix", m["nested"].([]any)[0])
	assert.Equal(t, float64(1), m["nested"].([]any)[1])
}

func TestParamHelpers(t *testing.T) {
	cfg := map[string]any{
		"s": "str", "b": true, "i": float64(7), "wrong": []any{},
	}
	assert.Equal(t, "str", stringParam(cfg, "s", "d"))
	assert.Equal(t, "d", stringParam(cfg, "wrong", "d"))
	assert.Equal(t, "d", stringParam(cfg, "missing", "d"))
	assert.True(t, boolParam(cfg, "b", false))
	assert.False(t, boolParam(cfg, "missing", false))
	assert.Equal(t, 7, intParam(cfg, "i", 0))
	assert.Equal(t, 3, intParam(cfg, "missing", 3))
}
