// Package expressions hosts the two expression dialects the engine exposes to
// workflow authors: expr-lang for condition nodes that opt into expression
// mode, and jq for the transform action.
package expressions

import "context"

// Engine evaluates expressions against a run's execution context.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
