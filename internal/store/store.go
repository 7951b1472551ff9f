package store

import (
	"context"
	"time"

	"github.com/hookflow/hookflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use; the lease and claim
// operations must be atomic conditional updates since workers never talk to
// each other directly.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	SetWorkflowConcurrencyLimit(ctx context.Context, id string, limit int) error

	// Runs. GetRunByIdempotencyKey returns (nil, nil) when no run carries
	// the key; admission uses it for replay-safe run creation.
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	GetRunByIdempotencyKey(ctx context.Context, key string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Leasing. ClaimNextEligibleRun returns (nil, nil) when nothing is
	// claimable; losing a claim race is not an error. RenewLease and
	// CompleteRun are conditional on the caller still holding the lease
	// and fail with a CONFLICT error when it has been lost.
	ClaimNextEligibleRun(ctx context.Context, workerID string, leaseSeconds int) (*Run, error)
	RequeueExpiredLeases(ctx context.Context, leaseSeconds int) (int64, error)
	RenewLease(ctx context.Context, runID, workerID string) error
	CompleteRun(ctx context.Context, runID, workerID string, status schema.RunStatus, runErr string) error
	CancelRun(ctx context.Context, runID, reason string) error

	// Node runs
	CreateNodeRun(ctx context.Context, nr *NodeRun) error
	FinishNodeRun(ctx context.Context, id string, status schema.NodeRunStatus, outputs map[string]any, nodeErr string) error
	ListNodeRuns(ctx context.Context, runID string) ([]*NodeRun, error)

	// Dead letters
	CreateDeadLetter(ctx context.Context, dl *DeadLetter) error
	ListDeadLetters(ctx context.Context, userID string, limit int) ([]*DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, id string) error
	RequeueDeadLetter(ctx context.Context, id string) (*Run, error)

	// Egress block events
	CreateEgressBlockEvent(ctx context.Context, ev *EgressBlockEvent) error
	ListEgressBlockEvents(ctx context.Context, userID string, limit int) ([]*EgressBlockEvent, error)

	// Schedules
	CreateSchedule(ctx context.Context, sch *Schedule) error
	ListDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error)
	MarkScheduleRun(ctx context.Context, id string, lastRunAt time.Time, nextRunAt *time.Time) error
	SetScheduleEnabled(ctx context.Context, id string, enabled bool) error

	// Per-user settings document. GetSettings returns nil (not an error)
	// when the user has no stored document yet.
	GetSettings(ctx context.Context, userID string) (map[string]any, error)
	UpdateSettings(ctx context.Context, userID string, doc map[string]any) error

	// Runaway protection accounting
	CountWorkspaceRunsSince(ctx context.Context, userID string, since time.Time) (int, error)

	// Encrypted secrets. Values are ciphertext; encryption happens in the
	// vault layer. ListSecrets returns every ciphertext for a user.
	StoreSecret(ctx context.Context, userID, key string, value []byte) error
	GetSecret(ctx context.Context, userID, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, userID, key string) error
	ListSecrets(ctx context.Context, userID string) (map[string][]byte, error)

	// Maintenance
	PurgeOldRuns(ctx context.Context, retentionDays int) (int64, error)
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
