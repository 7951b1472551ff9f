package actions

import (
	"context"
	"time"

	"github.com/hookflow/hookflow/pkg/schema"
)

// maxDelaySeconds caps a single delay node so one run cannot hold a worker
// lease past its renewal cadence.
const maxDelaySeconds = 300

// DelayExecutor pauses traversal for a configured number of seconds.
type DelayExecutor struct{}

// NewDelayExecutor creates the delay sub-executor.
func NewDelayExecutor() *DelayExecutor {
	return &DelayExecutor{}
}

func (e *DelayExecutor) Name() string { return "delay" }

func (e *DelayExecutor) Execute(ctx context.Context, req Request) (map[string]any, error) {
	seconds := intParam(req.Config, "seconds", 0)
	if seconds < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "delay action has negative duration %d", seconds)
	}
	if seconds > maxDelaySeconds {
		seconds = maxDelaySeconds
	}

	if seconds > 0 {
		timer := time.NewTimer(time.Duration(seconds) * time.Second)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, schema.NewError(schema.ErrCodeCancelled, "delay interrupted").WithCause(ctx.Err())
		}
	}

	return map[string]any{
		"delayedSeconds": seconds,
	}, nil
}

var _ Executor = (*DelayExecutor)(nil)
