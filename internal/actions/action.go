// Package actions implements the sub-executors the action node dispatches to:
// http, email, delay and transform.
package actions

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/hookflow/hookflow/internal/egress"
	"github.com/hookflow/hookflow/internal/store"
	"github.com/hookflow/hookflow/pkg/schema"
)

// Request is the data handed to a sub-executor for one node execution.
type Request struct {
	RunID      string
	WorkflowID string
	UserID     string
	NodeID     string

	// Config is the node's raw data object; Context is the run's execution
	// context, used for template rendering.
	Config  map[string]any
	Context map[string]any

	// Policy governs outbound calls for network-capable executors.
	Policy egress.Policy

	// Secrets are values that must never appear in node outputs.
	Secrets []string
}

// Executor runs one action type. Implementations are stateless per call:
// everything they need arrives in the Request.
type Executor interface {
	Name() string
	Execute(ctx context.Context, req Request) (map[string]any, error)
}

// BlockRecorder persists egress denials. Satisfied by store.Store.
type BlockRecorder interface {
	CreateEgressBlockEvent(ctx context.Context, ev *store.EgressBlockEvent) error
}

// Registry is the thread-safe dispatch table keyed by lowercased action type.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]Executor),
	}
}

// Register adds an executor to the registry. Returns error on duplicate name.
func (r *Registry) Register(ex Executor) error {
	if ex == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	name := strings.ToLower(ex.Name())
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor %q already registered", name)
	}
	r.executors[name] = ex
	return nil
}

// Dispatch resolves actionType case-insensitively and runs the matching
// executor. An unknown action type is not an error: the node is marked as
// skipped so graphs built against newer action catalogs keep working.
func (r *Registry) Dispatch(ctx context.Context, actionType string, req Request) (map[string]any, error) {
	r.mu.RLock()
	ex, ok := r.executors[strings.ToLower(strings.TrimSpace(actionType))]
	r.mu.RUnlock()

	if !ok {
		return map[string]any{
			"skipped": true,
			"reason":  "unsupported actionType",
		}, nil
	}
	return ex.Execute(ctx, req)
}

// Names returns the registered action types, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// --- Param helpers used by all action files ---

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

// maskSecrets replaces every occurrence of a secret value in string leaves
// of v with a redaction marker. Maps and slices are rewritten recursively.
func maskSecrets(v any, secrets []string) any {
	if len(secrets) == 0 {
		return v
	}
	switch val := v.(type) {
	case string:
		masked := val
		for _, s := range secrets {
			if s == "" {
				continue
			}
			masked = strings.ReplaceAll(masked, s, "***")
		}
		return masked
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = maskSecrets(item, secrets)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = maskSecrets(item, secrets)
		}
		return out
	default:
		return val
	}
}
