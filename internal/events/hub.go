// Package events provides pub/sub for run lifecycle events. The worker and
// engine publish; the ops API fans events out to SSE subscribers.
package events

import (
	"context"
	"time"
)

// Event types published during run execution.
const (
	TypeRunClaimed   = "run_claimed"
	TypeRunSucceeded = "run_succeeded"
	TypeRunFailed    = "run_failed"
	TypeRunCancelled = "run_cancelled"
	TypeNodeFinished = "node_finished"
	TypeDeadLettered = "dead_lettered"
)

// RunEvent is a real-time event emitted during run execution.
type RunEvent struct {
	RunID      string    `json:"run_id"`
	WorkflowID string    `json:"workflow_id"`
	NodeID     string    `json:"node_id,omitempty"`
	Type       string    `json:"type"`
	Payload    any       `json:"payload,omitempty"`
	At         time.Time `json:"at"`
}

// Filter specifies which events a subscriber wants to receive. Zero-value
// fields match everything.
type Filter struct {
	RunID      string   `json:"run_id,omitempty"`
	WorkflowID string   `json:"workflow_id,omitempty"`
	Types      []string `json:"types,omitempty"`
}

// Hub provides pub/sub for run events.
type Hub interface {
	Publish(ctx context.Context, event RunEvent) error
	Subscribe(ctx context.Context, filter Filter) (<-chan RunEvent, func(), error)
}
