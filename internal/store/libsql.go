package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/hookflow/hookflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// A single connection serializes writers, which makes the conditional
	// claim/lease updates below effectively transactional.
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return migrate(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	snap, err := marshalMapOrDefault(wf.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	limit := wf.ConcurrencyLimit
	if limit <= 0 {
		limit = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, user_id, name, snapshot, concurrency_limit, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.UserID, wf.Name, string(snap), limit,
		timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf := &Workflow{}
	var snapJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, snapshot, concurrency_limit, created_at, updated_at
		 FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.UserID, &wf.Name, &snapJSON, &wf.ConcurrencyLimit, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(snapJSON), &wf.Snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return wf, nil
}

func (s *LibSQLStore) SetWorkflowConcurrencyLimit(ctx context.Context, id string, limit int) error {
	if limit <= 0 {
		limit = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET concurrency_limit = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		limit, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Runs ---

const runColumns = `id, workflow_id, user_id, snapshot, status, error, idempotency_key, locked_by, locked_at, started_at, finished_at, created_at, updated_at`

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	snap, err := marshalMapOrDefault(run.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	status := run.Status
	if status == "" {
		status = schema.RunStatusQueued
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.UserID, string(snap), string(status),
		nullStr(run.Error), nullStr(run.IdempotencyKey),
		nullStr(run.LockedBy), nullTime(run.LockedAt),
		nullTime(run.StartedAt), nullTime(run.FinishedAt),
		timeOrNow(run.CreatedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) GetRunByIdempotencyKey(ctx context.Context, key string) (*Run, error) {
	if key == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE idempotency_key = ?`, key)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Leasing ---

// ClaimNextEligibleRun atomically claims the oldest claimable run: a queued
// unlocked run, or a running run whose lease has expired. A run is skipped
// while its workflow already has concurrency_limit live leases. Returns
// (nil, nil) when nothing is claimable or the claim raced and lost.
func (s *LibSQLStore) ClaimNextEligibleRun(ctx context.Context, workerID string, leaseSeconds int) (*Run, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-time.Duration(leaseSeconds) * time.Second)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT r.id FROM runs r
		 JOIN workflows w ON w.id = r.workflow_id
		 WHERE (
		   (r.status = 'queued' AND r.locked_by IS NULL)
		   OR (r.status = 'running' AND r.locked_at IS NOT NULL AND r.locked_at <= ?)
		 )
		 AND (
		   SELECT COUNT(*) FROM runs live
		   WHERE live.workflow_id = r.workflow_id
		     AND live.locked_by IS NOT NULL AND live.locked_at > ?
		 ) < w.concurrency_limit
		 ORDER BY r.created_at ASC
		 LIMIT 1`,
		cutoff, cutoff,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable run: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE runs
		 SET status = 'running', locked_by = ?, locked_at = ?,
		     started_at = COALESCE(started_at, ?), updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND (locked_by IS NULL OR locked_at <= ?)`,
		workerID, now, now, id, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("claim run: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		// Lost the race to another worker.
		return nil, nil
	}

	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return run, nil
}

// RequeueExpiredLeases unlocks runs whose lease has been held longer than
// leaseSeconds, returning them to the queue. Safe to race across workers.
func (s *LibSQLStore) RequeueExpiredLeases(ctx context.Context, leaseSeconds int) (int64, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(leaseSeconds) * time.Second)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs
		 SET status = 'queued', locked_by = NULL, locked_at = NULL, updated_at = CURRENT_TIMESTAMP
		 WHERE status = 'running' AND locked_at IS NOT NULL AND locked_at <= ?`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RenewLease refreshes locked_at for a run still held by workerID. Fails with
// a CONFLICT error when the lease has been lost.
func (s *LibSQLStore) RenewLease(ctx context.Context, runID, workerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET locked_at = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND locked_by = ? AND status = 'running'`,
		time.Now().UTC(), runID, workerID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "lease on run %q lost by worker %q", runID, workerID)
	}
	return nil
}

// CompleteRun records the terminal status and releases the lock, conditional
// on workerID still holding the lease.
func (s *LibSQLStore) CompleteRun(ctx context.Context, runID, workerID string, status schema.RunStatus, runErr string) error {
	if !status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeValidation, "status %q is not terminal", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs
		 SET status = ?, error = ?, finished_at = ?, locked_by = NULL, locked_at = NULL, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND locked_by = ?`,
		string(status), nullStr(runErr), time.Now().UTC(), runID, workerID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "lease on run %q lost by worker %q", runID, workerID)
	}
	return nil
}

// CancelRun forces a non-terminal run to cancelled, clearing any lease.
// Cancelling an already-terminal run is a no-op.
func (s *LibSQLStore) CancelRun(ctx context.Context, runID, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs
		 SET status = 'cancelled', error = ?, finished_at = ?, locked_by = NULL, locked_at = NULL, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status NOT IN ('succeeded', 'failed', 'cancelled')`,
		nullStr(reason), time.Now().UTC(), runID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish "missing" from "already terminal".
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, runID).Scan(&exists); err == sql.ErrNoRows {
			return storeNotFound("run", runID)
		} else if err != nil {
			return err
		}
	}
	return nil
}

// --- Node runs ---

func (s *LibSQLStore) CreateNodeRun(ctx context.Context, nr *NodeRun) error {
	inputs, err := nullableMap(nr.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	outputs, err := nullableMap(nr.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	status := nr.Status
	if status == "" {
		status = schema.NodeRunStatusRunning
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO node_runs (id, run_id, node_id, name, type, inputs, outputs, status, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nr.ID, nr.RunID, nr.NodeID, nullStr(nr.Name), nr.Type,
		inputs, outputs, string(status), nullStr(nr.Error),
		timeOrNow(nr.StartedAt), nullTime(nr.FinishedAt),
	)
	return err
}

func (s *LibSQLStore) FinishNodeRun(ctx context.Context, id string, status schema.NodeRunStatus, outputs map[string]any, nodeErr string) error {
	out, err := nullableMap(outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE node_runs SET status = ?, outputs = ?, error = ?, finished_at = ?
		 WHERE id = ? AND finished_at IS NULL`,
		string(status), out, nullStr(nodeErr), time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "node_run", id)
}

func (s *LibSQLStore) ListNodeRuns(ctx context.Context, runID string) ([]*NodeRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, name, type, inputs, outputs, status, error, started_at, finished_at
		 FROM node_runs WHERE run_id = ? ORDER BY started_at ASC, id ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodeRuns []*NodeRun
	for rows.Next() {
		nr := &NodeRun{}
		var name, inputs, outputs, errMsg sql.NullString
		var status string
		var finishedAt sql.NullTime
		if err := rows.Scan(&nr.ID, &nr.RunID, &nr.NodeID, &name, &nr.Type,
			&inputs, &outputs, &status, &errMsg, &nr.StartedAt, &finishedAt); err != nil {
			return nil, err
		}
		nr.Name = name.String
		nr.Status = schema.NodeRunStatus(status)
		nr.Error = errMsg.String
		if inputs.Valid && inputs.String != "" {
			_ = json.Unmarshal([]byte(inputs.String), &nr.Inputs)
		}
		if outputs.Valid && outputs.String != "" {
			_ = json.Unmarshal([]byte(outputs.String), &nr.Outputs)
		}
		if finishedAt.Valid {
			nr.FinishedAt = &finishedAt.Time
		}
		nodeRuns = append(nodeRuns, nr)
	}
	return nodeRuns, rows.Err()
}

// --- Dead letters ---

func (s *LibSQLStore) CreateDeadLetter(ctx context.Context, dl *DeadLetter) error {
	snap, err := marshalMapOrDefault(dl.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, user_id, workflow_id, run_id, error, snapshot, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.UserID, dl.WorkflowID, dl.RunID, dl.Error, string(snap), timeOrNow(dl.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListDeadLetters(ctx context.Context, userID string, limit int) ([]*DeadLetter, error) {
	query := `SELECT id, user_id, workflow_id, run_id, error, snapshot, created_at
	 FROM dead_letters WHERE user_id = ? ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []*DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

func (s *LibSQLStore) DeleteDeadLetter(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "dead_letter", id)
}

// RequeueDeadLetter creates a brand-new queued run from the dead letter's
// stored snapshot and removes the dead letter, atomically. The new run gets a
// fresh id and fresh timestamps; it starts from the trigger node, never
// mid-graph.
func (s *LibSQLStore) RequeueDeadLetter(ctx context.Context, id string) (*Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin requeue: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, user_id, workflow_id, run_id, error, snapshot, created_at
		 FROM dead_letters WHERE id = ?`, id)
	dl, err := scanDeadLetter(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("dead_letter", id)
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	run := &Run{
		ID:         uuid.New().String(),
		WorkflowID: dl.WorkflowID,
		UserID:     dl.UserID,
		Snapshot:   dl.Snapshot,
		Status:     schema.RunStatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	snap, err := marshalMapOrDefault(run.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, user_id, snapshot, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		run.ID, run.WorkflowID, run.UserID, string(snap), now, now,
	); err != nil {
		return nil, fmt.Errorf("insert requeued run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete dead letter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit requeue: %w", err)
	}
	return run, nil
}

// --- Egress block events ---

func (s *LibSQLStore) CreateEgressBlockEvent(ctx context.Context, ev *EgressBlockEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO egress_block_events (id, user_id, workflow_id, run_id, node_id, url, host, rule, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.UserID, ev.WorkflowID, ev.RunID, ev.NodeID,
		ev.URL, ev.Host, ev.Rule, ev.Message, timeOrNow(ev.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListEgressBlockEvents(ctx context.Context, userID string, limit int) ([]*EgressBlockEvent, error) {
	query := `SELECT id, user_id, workflow_id, run_id, node_id, url, host, rule, message, created_at
	 FROM egress_block_events WHERE user_id = ? ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*EgressBlockEvent
	for rows.Next() {
		ev := &EgressBlockEvent{}
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.WorkflowID, &ev.RunID, &ev.NodeID,
			&ev.URL, &ev.Host, &ev.Rule, &ev.Message, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sch *Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, workflow_id, user_id, cron_expr, enabled, last_run_at, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sch.ID, sch.WorkflowID, sch.UserID, sch.CronExpr, sch.Enabled,
		nullTime(sch.LastRunAt), nullTime(sch.NextRunAt), timeOrNow(sch.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, user_id, cron_expr, enabled, last_run_at, next_run_at, created_at
		 FROM schedules
		 WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY next_run_at ASC`, now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sch := &Schedule{}
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&sch.ID, &sch.WorkflowID, &sch.UserID, &sch.CronExpr,
			&sch.Enabled, &lastRun, &nextRun, &sch.CreatedAt); err != nil {
			return nil, err
		}
		if lastRun.Valid {
			sch.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			sch.NextRunAt = &nextRun.Time
		}
		schedules = append(schedules, sch)
	}
	return schedules, rows.Err()
}

func (s *LibSQLStore) MarkScheduleRun(ctx context.Context, id string, lastRunAt time.Time, nextRunAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?`,
		lastRunAt, nullTime(nextRunAt), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET enabled = ? WHERE id = ?`, enabled, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

// --- Settings ---

func (s *LibSQLStore) GetSettings(ctx context.Context, userID string) (map[string]any, error) {
	var docJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM settings WHERE user_id = ?`, userID,
	).Scan(&docJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(docJSON), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	return doc, nil
}

func (s *LibSQLStore) UpdateSettings(ctx context.Context, userID string, doc map[string]any) error {
	raw, err := marshalMapOrDefault(doc)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings (user_id, doc, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(user_id) DO UPDATE SET doc=excluded.doc, updated_at=CURRENT_TIMESTAMP`,
		userID, string(raw),
	)
	return err
}

// --- Runaway protection accounting ---

func (s *LibSQLStore) CountWorkspaceRunsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE user_id = ? AND started_at IS NOT NULL AND started_at >= ?`,
		userID, since,
	).Scan(&count)
	return count, err
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, userID, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (user_id, key, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(user_id, key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`,
		userID, key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, userID, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM secrets WHERE user_id = ? AND key = ?`, userID, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, userID, key string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM secrets WHERE user_id = ? AND key = ?`, userID, key,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context, userID string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM secrets WHERE user_id = ? ORDER BY key ASC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

// --- Maintenance ---

// PurgeOldRuns deletes terminal runs older than the retention window; their
// node runs go with them via cascade.
func (s *LibSQLStore) PurgeOldRuns(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs
		 WHERE created_at < ? AND status IN ('succeeded', 'failed', 'cancelled')`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Scanning helpers ---

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var (
		snapJSON                string
		status                  string
		errMsg, idemKey, locked sql.NullString
		lockedAt, startedAt     sql.NullTime
		finishedAt              sql.NullTime
	)
	err := row.Scan(&run.ID, &run.WorkflowID, &run.UserID, &snapJSON, &status,
		&errMsg, &idemKey, &locked, &lockedAt, &startedAt, &finishedAt,
		&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.Error = errMsg.String
	run.IdempotencyKey = idemKey.String
	run.LockedBy = locked.String
	if lockedAt.Valid {
		run.LockedAt = &lockedAt.Time
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	if err := json.Unmarshal([]byte(snapJSON), &run.Snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return run, nil
}

func scanDeadLetter(row rowScanner) (*DeadLetter, error) {
	dl := &DeadLetter{}
	var snapJSON string
	err := row.Scan(&dl.ID, &dl.UserID, &dl.WorkflowID, &dl.RunID, &dl.Error, &snapJSON, &dl.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(snapJSON), &dl.Snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return dl, nil
}

// --- Value helpers ---

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

var _ Store = (*LibSQLStore)(nil)
