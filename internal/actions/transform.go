package actions

import (
	"context"

	"github.com/hookflow/hookflow/internal/expressions"
	"github.com/hookflow/hookflow/pkg/schema"
)

// TransformExecutor evaluates a jq expression against the execution context,
// letting graphs reshape upstream node outputs without an external call.
type TransformExecutor struct {
	engine expressions.Engine
}

// NewTransformExecutor creates the transform sub-executor.
func NewTransformExecutor() *TransformExecutor {
	return &TransformExecutor{engine: expressions.NewGoJQEngine()}
}

func (e *TransformExecutor) Name() string { return "transform" }

func (e *TransformExecutor) Execute(ctx context.Context, req Request) (map[string]any, error) {
	expression := stringParam(req.Config, "expression", "")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform action requires an expression")
	}

	result, err := e.engine.Evaluate(ctx, expression, req.Context)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"result": maskSecrets(result, req.Secrets),
	}, nil
}

var _ Executor = (*TransformExecutor)(nil)
