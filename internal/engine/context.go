package engine

import (
	"strings"

	"github.com/hookflow/hookflow/internal/graph"
	"github.com/hookflow/hookflow/internal/template"
)

// execContext is the append-only mapping from context key to node output,
// owned exclusively by one run's execution. Insertion order is tracked so
// field resolution for condition nodes is deterministic.
type execContext struct {
	values map[string]any
	order  []string
}

func newExecContext() *execContext {
	return &execContext{values: make(map[string]any)}
}

func (c *execContext) set(key string, value any) {
	if _, exists := c.values[key]; !exists {
		c.order = append(c.order, key)
	}
	c.values[key] = value
}

// Values exposes the underlying map for templating and field resolution.
// Callers must treat it as read-only.
func (c *execContext) Values() map[string]any {
	return c.values
}

// exported is the context as reported in a Result: a shallow copy without the
// reserved secrets key, so decrypted values never leave the run.
func (c *execContext) exported() map[string]any {
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		if k == "secrets" {
			continue
		}
		out[k] = v
	}
	return out
}

// resolveField finds a condition field: first as a dotted path against the
// whole context, then as a direct key inside node outputs in insertion
// order, first match wins.
func (c *execContext) resolveField(field string) (any, bool) {
	if field == "" {
		return nil, false
	}
	if v, ok := template.Lookup(field, c.values); ok {
		return v, true
	}
	for _, key := range c.order {
		if obj, ok := c.values[key].(map[string]any); ok {
			if v, ok := obj[field]; ok {
				return v, true
			}
		}
	}
	return nil, false
}

// triggerContextKey is where the raw trigger payload seeds the context: the
// first trigger node's derived key, or "trigger" for trigger-less graphs.
// Once the trigger node runs, its materialized inputs replace the payload
// under the same key.
func triggerContextKey(g *graph.Graph) string {
	if triggers := g.Triggers(); len(triggers) > 0 {
		return contextKey(triggers[0])
	}
	return "trigger"
}

// contextKey derives the key a node's output is stored under: the node's
// lowercased trimmed label when present, the node id otherwise.
func contextKey(node *graph.Node) string {
	if label, ok := node.Data["label"].(string); ok {
		if trimmed := strings.ToLower(strings.TrimSpace(label)); trimmed != "" {
			return trimmed
		}
	}
	return node.ID
}
