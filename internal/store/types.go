package store

import (
	"time"

	"github.com/hookflow/hookflow/pkg/schema"
)

// Workflow is the persisted workflow definition. Snapshot holds the editor's
// current node/edge graph; runs capture their own copy at launch time.
type Workflow struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	Name             string         `json:"name"`
	Snapshot         map[string]any `json:"snapshot"`
	ConcurrencyLimit int            `json:"concurrency_limit"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Run is a single execution of a workflow. Snapshot is the graph frozen at
// launch; LockedBy/LockedAt form the worker lease.
type Run struct {
	ID             string           `json:"id"`
	WorkflowID     string           `json:"workflow_id"`
	UserID         string           `json:"user_id"`
	Snapshot       map[string]any   `json:"snapshot"`
	Status         schema.RunStatus `json:"status"`
	Error          string           `json:"error,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	LockedBy       string           `json:"locked_by,omitempty"`
	LockedAt       *time.Time       `json:"locked_at,omitempty"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	FinishedAt     *time.Time       `json:"finished_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// NodeRun records one node execution inside a run. Immutable once finished.
type NodeRun struct {
	ID         string               `json:"id"`
	RunID      string               `json:"run_id"`
	NodeID     string               `json:"node_id"`
	Name       string               `json:"name,omitempty"`
	Type       string               `json:"type"`
	Inputs     map[string]any       `json:"inputs,omitempty"`
	Outputs    map[string]any       `json:"outputs,omitempty"`
	Status     schema.NodeRunStatus `json:"status"`
	Error      string               `json:"error,omitempty"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
}

// DeadLetter is a failed run parked for manual inspection and requeue. The
// stored snapshot is sufficient to create a brand-new run from scratch.
type DeadLetter struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	WorkflowID string         `json:"workflow_id"`
	RunID      string         `json:"run_id"`
	Error      string         `json:"error"`
	Snapshot   map[string]any `json:"snapshot"`
	CreatedAt  time.Time      `json:"created_at"`
}

// EgressBlockEvent records a denied outbound call. Append-only.
type EgressBlockEvent struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	WorkflowID string    `json:"workflow_id"`
	RunID      string    `json:"run_id"`
	NodeID     string    `json:"node_id"`
	URL        string    `json:"url"`
	Host       string    `json:"host"`
	Rule       string    `json:"rule"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// Schedule is a cron-triggered workflow launch.
type Schedule struct {
	ID         string     `json:"id"`
	WorkflowID string     `json:"workflow_id"`
	UserID     string     `json:"user_id"`
	CronExpr   string     `json:"cron_expr"`
	Enabled    bool       `json:"enabled"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	WorkflowID string            `json:"workflow_id,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	Status     *schema.RunStatus `json:"status,omitempty"`
	Since      *time.Time        `json:"since,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Offset     int               `json:"offset,omitempty"`
}
