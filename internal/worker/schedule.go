package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hookflow/hookflow/internal/admission"
	"github.com/hookflow/hookflow/internal/store"
)

const dispatchInterval = 5 * time.Second

// ScheduleStore is the slice of the persistence layer the dispatcher needs.
type ScheduleStore interface {
	ListDueSchedules(ctx context.Context, now time.Time) ([]*store.Schedule, error)
	MarkScheduleRun(ctx context.Context, id string, lastRunAt time.Time, nextRunAt *time.Time) error
	SetScheduleEnabled(ctx context.Context, id string, enabled bool) error
}

// Submitter admits runs for due schedules. Satisfied by *admission.Admitter.
type Submitter interface {
	Submit(ctx context.Context, req admission.SubmitRequest) (*store.Run, error)
}

// Dispatcher polls for due cron schedules and admits a run for each. Several
// dispatchers may poll the same store; MarkScheduleRun advancing next_run_at
// keeps a schedule from double-firing, and the in-flight set dedups within
// one process.
type Dispatcher struct {
	store     ScheduleStore
	submitter Submitter
	parser    cron.Parser
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewDispatcher creates a schedule dispatcher using standard 5-field cron
// expressions.
func NewDispatcher(st ScheduleStore, submitter Submitter, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:     st,
		submitter: submitter,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:    logger,
		inflight:  make(map[string]struct{}),
	}
}

// Start launches the background dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.done != nil {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.loop(loopCtx)
	d.logger.Info("schedule dispatcher started")
	return nil
}

// Stop gracefully shuts down the dispatcher.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel == nil {
		return nil
	}
	d.cancel()
	<-d.done
	d.cancel = nil
	d.done = nil

	d.logger.Info("schedule dispatcher stopped")
	return nil
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()

	// Run an initial tick immediately; this also fires schedules whose
	// next_run_at passed while no dispatcher was running.
	d.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick fires every due schedule once. Exported for tests and manual
// triggering.
func (d *Dispatcher) Tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := d.store.ListDueSchedules(ctx, now)
	if err != nil {
		d.logger.Error("failed to list due schedules", "error", err)
		return
	}

	for _, sch := range due {
		if !d.tryAcquire(sch.ID) {
			continue
		}
		if err := d.fire(ctx, sch, now); err != nil {
			d.logger.Error("failed to fire schedule",
				"schedule_id", sch.ID,
				"workflow_id", sch.WorkflowID,
				"error", err)
		}
		d.release(sch.ID)
	}
}

// fire admits one run for a due schedule and advances its next_run_at. The
// timestamps are advanced even when admission is refused (e.g. by runaway
// protection), so a refused schedule waits for its next slot instead of
// retrying every tick. A schedule whose cron expression no longer parses is
// disabled rather than retried forever.
func (d *Dispatcher) fire(ctx context.Context, sch *store.Schedule, now time.Time) error {
	next, err := d.NextRun(sch.CronExpr, now)
	if err != nil {
		d.logger.Error("unparseable cron expression, disabling schedule",
			"schedule_id", sch.ID, "cron", sch.CronExpr, "error", err)
		return d.store.SetScheduleEnabled(ctx, sch.ID, false)
	}

	_, submitErr := d.submitter.Submit(ctx, admission.SubmitRequest{
		WorkflowID: sch.WorkflowID,
		UserID:     sch.UserID,
		TriggerContext: map[string]any{
			"scheduled":   true,
			"schedule_id": sch.ID,
			"fired_at":    now.Format(time.RFC3339),
		},
	})

	if err := d.store.MarkScheduleRun(ctx, sch.ID, now, &next); err != nil {
		return fmt.Errorf("mark schedule run: %w", err)
	}
	if submitErr != nil {
		return fmt.Errorf("admit scheduled run: %w", submitErr)
	}

	d.logger.Info("schedule fired",
		"schedule_id", sch.ID, "workflow_id", sch.WorkflowID)
	return nil
}

// NextRun computes the next fire time for a cron expression.
func (d *Dispatcher) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := d.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

func (d *Dispatcher) tryAcquire(id string) bool {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	if _, ok := d.inflight[id]; ok {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id string) {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	delete(d.inflight, id)
}
