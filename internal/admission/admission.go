// Package admission is the single gate through which runs enter the queue.
// It validates the workflow snapshot, applies runaway protection and handles
// idempotency-key replays before a run row is written.
package admission

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hookflow/hookflow/internal/runaway"
	"github.com/hookflow/hookflow/internal/store"
	"github.com/hookflow/hookflow/pkg/schema"
)

// Validator checks a snapshot before it is frozen onto a run.
type Validator interface {
	ValidateSnapshot(snapshot map[string]any) error
}

// Store is the slice of the persistence layer admission needs.
type Store interface {
	GetWorkflow(ctx context.Context, id string) (*store.Workflow, error)
	CreateRun(ctx context.Context, run *store.Run) error
	GetRunByIdempotencyKey(ctx context.Context, key string) (*store.Run, error)
}

// SubmitRequest describes one run submission.
type SubmitRequest struct {
	WorkflowID string
	UserID     string

	// TriggerContext is the external event payload, stored under the
	// reserved _trigger_context snapshot key.
	TriggerContext map[string]any

	// IdempotencyKey deduplicates retried submissions. Empty means no
	// deduplication.
	IdempotencyKey string

	// StartFromNode, when set, makes the run begin at that node instead of
	// the workflow's triggers.
	StartFromNode string

	// EgressAllowlist extends the run's outbound allow list.
	EgressAllowlist []string
}

// Admitter validates and enqueues runs.
type Admitter struct {
	store     Store
	validator Validator
	guard     *runaway.Guard
	logger    *slog.Logger
}

// New creates an Admitter.
func New(st Store, validator Validator, guard *runaway.Guard, logger *slog.Logger) *Admitter {
	return &Admitter{
		store:     st,
		validator: validator,
		guard:     guard,
		logger:    logger,
	}
}

// Submit admits a run for the workflow. The workflow's current snapshot is
// frozen onto the run, so later edits never affect queued or running work.
// A replayed idempotency key returns the existing run instead of creating a
// duplicate.
func (a *Admitter) Submit(ctx context.Context, req SubmitRequest) (*store.Run, error) {
	if req.WorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}

	if req.IdempotencyKey != "" {
		existing, err := a.store.GetRunByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "idempotency lookup").WithCause(err)
		}
		if existing != nil {
			a.logger.InfoContext(ctx, "idempotency key replay, returning existing run",
				"run_id", existing.ID, "idempotency_key", req.IdempotencyKey)
			return existing, nil
		}
	}

	wf, err := a.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}

	userID := req.UserID
	if userID == "" {
		userID = wf.UserID
	}

	if err := a.guard.Enforce(ctx, userID); err != nil {
		return nil, err
	}

	snapshot := freezeSnapshot(wf.Snapshot, req)
	if err := a.validator.ValidateSnapshot(snapshot); err != nil {
		return nil, err
	}

	run := &store.Run{
		ID:             uuid.New().String(),
		WorkflowID:     wf.ID,
		UserID:         userID,
		Snapshot:       snapshot,
		Status:         schema.RunStatusQueued,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	if err := a.store.CreateRun(ctx, run); err != nil {
		// A concurrent submission with the same key may have won the race
		// between the lookup above and this insert.
		if req.IdempotencyKey != "" {
			if existing, lookupErr := a.store.GetRunByIdempotencyKey(ctx, req.IdempotencyKey); lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, schema.NewError(schema.ErrCodeStore, "create run").WithCause(err)
	}

	a.logger.InfoContext(ctx, "run admitted",
		"run_id", run.ID, "workflow_id", wf.ID, "user_id", userID)
	return run, nil
}

// freezeSnapshot copies the workflow snapshot and layers the submission's
// reserved keys on top. The copy is shallow below the top level; the engine
// treats snapshots as read-only.
func freezeSnapshot(base map[string]any, req SubmitRequest) map[string]any {
	snapshot := make(map[string]any, len(base)+3)
	for k, v := range base {
		snapshot[k] = v
	}
	if len(req.TriggerContext) > 0 {
		snapshot[schema.SnapshotKeyTriggerContext] = req.TriggerContext
	}
	if req.StartFromNode != "" {
		snapshot[schema.SnapshotKeyStartFromNode] = req.StartFromNode
	}
	if len(req.EgressAllowlist) > 0 {
		hosts := make([]any, 0, len(req.EgressAllowlist))
		for _, h := range req.EgressAllowlist {
			hosts = append(hosts, h)
		}
		snapshot[schema.SnapshotKeyEgressAllowlist] = hosts
	}
	return snapshot
}
