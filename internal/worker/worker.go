// Package worker implements the distributed run execution loop: workers poll
// the shared store for claimable runs, execute them under a renewable lease
// and record terminal outcomes. Coordination happens entirely through the
// store's conditional updates; workers never talk to each other.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hookflow/hookflow/internal/engine"
	"github.com/hookflow/hookflow/internal/events"
	"github.com/hookflow/hookflow/internal/logging"
	"github.com/hookflow/hookflow/internal/store"
	"github.com/hookflow/hookflow/pkg/schema"
)

const (
	defaultLeaseSeconds = 60
	// leaseHeadroom is subtracted from the lease when deriving the run
	// deadline, so a run is aborted before its lease can expire under it.
	leaseHeadroom = 5 * time.Second

	idleSleep     = 750 * time.Millisecond
	errorSleep    = time.Second
	purgeInterval = 10 * time.Minute
)

// Store is the slice of the persistence layer the worker needs.
type Store interface {
	ClaimNextEligibleRun(ctx context.Context, workerID string, leaseSeconds int) (*store.Run, error)
	RequeueExpiredLeases(ctx context.Context, leaseSeconds int) (int64, error)
	CompleteRun(ctx context.Context, runID, workerID string, status schema.RunStatus, runErr string) error
	CreateDeadLetter(ctx context.Context, dl *store.DeadLetter) error
	PurgeOldRuns(ctx context.Context, retentionDays int) (int64, error)
}

// Runner executes a claimed run. Satisfied by *engine.Engine.
type Runner interface {
	Execute(ctx context.Context, run *store.Run, workerID string) engine.Result
}

// Config tunes one worker process.
type Config struct {
	// ID identifies this worker in lease ownership. Empty generates one.
	ID string

	// Concurrency is the number of runs executed in parallel.
	Concurrency int

	// LeaseSeconds is the lease duration granted on claim and extended on
	// each renewal.
	LeaseSeconds int

	// RetentionDays bounds how long terminal runs are kept; zero disables
	// the purge loop.
	RetentionDays int

	// Events, when set, receives run lifecycle events.
	Events events.Hub
}

// Worker is the claim-execute-complete loop.
type Worker struct {
	store  Store
	runner Runner
	pool   *Pool
	logger *slog.Logger
	cfg    Config

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Worker.
func New(st Store, runner Runner, logger *slog.Logger, cfg Config) *Worker {
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.New().String()[:8]
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = defaultLeaseSeconds
	}
	return &Worker{
		store:  st,
		runner: runner,
		pool:   NewPool(cfg.Concurrency),
		logger: logger,
		cfg:    cfg,
	}
}

// ID returns the worker's lease identity.
func (w *Worker) ID() string { return w.cfg.ID }

// Metrics returns the execution pool metrics.
func (w *Worker) Metrics() PoolMetrics { return w.pool.Metrics() }

// Start launches the claim loop and the maintenance loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.done != nil {
		w.mu.Unlock()
		return fmt.Errorf("worker already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(loopCtx)
	w.logger.Info("worker started",
		"worker_id", w.cfg.ID,
		"concurrency", w.cfg.Concurrency,
		"lease_seconds", w.cfg.LeaseSeconds)
	return nil
}

// Stop cancels the loops, waits for in-flight runs to finish and shuts the
// pool down. Runs interrupted mid-flight keep their lease until it expires,
// at which point another worker reclaims them.
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel == nil {
		return nil
	}
	w.cancel()
	<-w.done
	w.pool.Shutdown()
	w.cancel = nil
	w.done = nil

	w.logger.Info("worker stopped", "worker_id", w.cfg.ID)
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)

	purge := time.NewTicker(purgeInterval)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-purge.C:
			w.purge(ctx)
		default:
		}

		run, err := w.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("claim failed", "error", err)
			sleep(ctx, errorSleep)
			continue
		}
		if run == nil {
			sleep(ctx, idleSleep)
			continue
		}

		if err := w.pool.Submit(ctx, func(runCtx context.Context) error {
			return w.execute(runCtx, run)
		}); err != nil {
			// Submission only fails on shutdown or cancellation; the run
			// stays leased until expiry and another worker picks it up.
			w.logger.Warn("run submission refused", "run_id", run.ID, "error", err)
			return
		}
	}
}

// claim requeues expired leases, then tries to claim the next eligible run.
// Requeueing first means crashed workers' runs re-enter the queue on the
// same poll that would otherwise idle.
func (w *Worker) claim(ctx context.Context) (*store.Run, error) {
	requeued, err := w.store.RequeueExpiredLeases(ctx, w.cfg.LeaseSeconds)
	if err != nil {
		return nil, fmt.Errorf("requeue expired leases: %w", err)
	}
	if requeued > 0 {
		w.logger.Info("requeued expired leases", "count", requeued)
	}
	return w.store.ClaimNextEligibleRun(ctx, w.cfg.ID, w.cfg.LeaseSeconds)
}

// execute runs a claimed run to a terminal state and records the outcome.
func (w *Worker) execute(ctx context.Context, run *store.Run) error {
	ctx = logging.WithWorkerID(ctx, w.cfg.ID)

	deadline := time.Duration(w.cfg.LeaseSeconds)*time.Second - leaseHeadroom
	if deadline <= 0 {
		deadline = time.Duration(w.cfg.LeaseSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	w.logger.InfoContext(ctx, "executing run", "run_id", run.ID, "workflow_id", run.WorkflowID)
	w.publish(ctx, run, events.TypeRunClaimed, nil)
	res := w.runner.Execute(runCtx, run, w.cfg.ID)

	// Completion uses the parent context: the run deadline must not keep
	// the terminal status from being written.
	if err := w.store.CompleteRun(ctx, run.ID, w.cfg.ID, res.Status, res.Error); err != nil {
		// A lost lease means another worker owns the run now; writing a
		// dead letter here would double-record the failure.
		w.logger.WarnContext(ctx, "could not complete run, lease lost",
			"run_id", run.ID, "error", err)
		return err
	}

	w.publish(ctx, run, terminalEventType(res.Status), map[string]any{"error": res.Error})

	if res.Status == schema.RunStatusFailed {
		dl := &store.DeadLetter{
			ID:         uuid.New().String(),
			UserID:     run.UserID,
			WorkflowID: run.WorkflowID,
			RunID:      run.ID,
			Error:      res.Error,
			Snapshot:   run.Snapshot,
		}
		if err := w.store.CreateDeadLetter(ctx, dl); err != nil {
			w.logger.ErrorContext(ctx, "failed to write dead letter",
				"run_id", run.ID, "error", err)
			return err
		}
		w.publish(ctx, run, events.TypeDeadLettered, map[string]any{"dead_letter_id": dl.ID})
	}

	w.logger.InfoContext(ctx, "run finished",
		"run_id", run.ID, "status", string(res.Status))
	if res.Status == schema.RunStatusFailed {
		return fmt.Errorf("run %s failed: %s", run.ID, res.Error)
	}
	return nil
}

func (w *Worker) publish(ctx context.Context, run *store.Run, eventType string, payload map[string]any) {
	if w.cfg.Events == nil {
		return
	}
	_ = w.cfg.Events.Publish(ctx, events.RunEvent{
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Type:       eventType,
		Payload:    payload,
		At:         time.Now().UTC(),
	})
}

func terminalEventType(status schema.RunStatus) string {
	switch status {
	case schema.RunStatusSucceeded:
		return events.TypeRunSucceeded
	case schema.RunStatusCancelled:
		return events.TypeRunCancelled
	default:
		return events.TypeRunFailed
	}
}

func (w *Worker) purge(ctx context.Context) {
	if w.cfg.RetentionDays <= 0 {
		return
	}
	purged, err := w.store.PurgeOldRuns(ctx, w.cfg.RetentionDays)
	if err != nil {
		w.logger.Error("purge failed", "error", err)
		return
	}
	if purged > 0 {
		w.logger.Info("purged old runs", "count", purged)
	}
}

// sleep waits for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
