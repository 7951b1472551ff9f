package engine

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/hookflow/hookflow/internal/actions"
	"github.com/hookflow/hookflow/internal/graph"
	"github.com/hookflow/hookflow/internal/store"
	"github.com/hookflow/hookflow/internal/template"
	"github.com/hookflow/hookflow/pkg/schema"
)

// executeTrigger materializes the trigger's configured inputs as its output.
// Inputs are a list of {key, value} pairs; string values are templated
// against the current context and parsed leniently, so a trigger input can
// lift typed values out of the trigger payload. Entries without a string key
// are dropped; a trigger never fails.
func executeTrigger(node *graph.Node, execCtx *execContext) map[string]any {
	out := make(map[string]any)
	inputs, ok := node.Data["inputs"].([]any)
	if !ok {
		return out
	}
	for _, raw := range inputs {
		pair, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		key, ok := pair["key"].(string)
		if !ok || key == "" {
			continue
		}
		switch v := pair["value"].(type) {
		case string:
			out[key] = parseLenient(template.Render(v, execCtx.Values()))
		default:
			out[key] = v
		}
	}
	return out
}

// parseLenient interprets a rendered input value: valid JSON becomes the
// typed value (so "5" is a number and "true" a boolean), anything else stays
// a raw string.
func parseLenient(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

// executeCondition evaluates a condition node and selects the successor:
// the first outgoing edge labeled cond-true or cond-false to match the
// boolean result. A missing branch edge terminates that path rather than
// falling through to unrelated edges.
func (e *Engine) executeCondition(ctx context.Context, g *graph.Graph, node *graph.Node, execCtx *execContext) (map[string]any, *string, error) {
	var result bool
	if expression, ok := node.Data["expression"].(string); ok && strings.TrimSpace(expression) != "" {
		out, err := e.expr.Evaluate(ctx, expression, execCtx.Values())
		if err != nil {
			return nil, nil, schema.NewError(schema.ErrCodeExecution, "evaluate condition expression").
				WithCause(err).WithNode(node.ID)
		}
		// Only a boolean true takes the true branch; any other result
		// type is treated as false.
		result, _ = out.(bool)
	} else {
		result = evaluateComparison(node.Data, execCtx)
	}

	handle := schema.HandleCondFalse
	if result {
		handle = schema.HandleCondTrue
	}
	selected := ""
	for _, edge := range g.Outgoing(node.ID) {
		if edge.SourceHandle == handle {
			selected = edge.Target
			break
		}
	}
	return map[string]any{"result": result}, &selected, nil
}

// evaluateComparison handles the legacy field/operator/value form. The field
// resolves against the execution context (top-level key first, then node
// outputs in insertion order); a missing field compares as the empty string.
func evaluateComparison(data map[string]any, execCtx *execContext) bool {
	field, _ := data["field"].(string)
	operator, _ := data["operator"].(string)
	expected, _ := data["value"].(string)

	actual := ""
	if v, ok := execCtx.resolveField(field); ok {
		actual = template.Stringify(v)
	}

	switch strings.TrimSpace(strings.ToLower(operator)) {
	case "", "equals":
		return actual == expected
	case "not equals":
		return actual != expected
	case "contains":
		return strings.Contains(actual, expected)
	case "greater than":
		return compareNumeric(actual, expected, func(a, b float64) bool { return a > b })
	case "less than":
		return compareNumeric(actual, expected, func(a, b float64) bool { return a < b })
	default:
		return false
	}
}

// compareNumeric parses both sides as floats; non-numeric input means false.
func compareNumeric(actual, expected string, cmp func(a, b float64) bool) bool {
	a, err := strconv.ParseFloat(strings.TrimSpace(actual), 64)
	if err != nil {
		return false
	}
	b, err := strconv.ParseFloat(strings.TrimSpace(expected), 64)
	if err != nil {
		return false
	}
	return cmp(a, b)
}

// executeAction dispatches to the registered sub-executor for the node's
// actionType.
func (e *Engine) executeAction(ctx context.Context, run *store.Run, node *graph.Node, execCtx *execContext, scope runScope) (map[string]any, error) {
	actionType, _ := node.Data["actionType"].(string)
	return e.registry.Dispatch(ctx, actionType, actions.Request{
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		UserID:     run.UserID,
		NodeID:     node.ID,
		Config:     node.Data,
		Context:    execCtx.Values(),
		Policy:     scope.policy,
		Secrets:    scope.secrets,
	})
}
