package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/hookflow/hookflow/internal/admission"
	"github.com/hookflow/hookflow/internal/store"
	"github.com/hookflow/hookflow/pkg/schema"
)

const defaultListLimit = 50

// cronParser accepts standard five-field cron expressions, matching the
// schedule dispatcher.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// handleCreateWorkflow stores a new workflow definition.
func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		Name             string         `json:"name"`
		UserID           string         `json:"user_id"`
		Snapshot         map[string]any `json:"snapshot"`
		ConcurrencyLimit int            `json:"concurrency_limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Name == "" || body.UserID == "" {
		writeError(w, http.StatusBadRequest, "name and user_id are required")
		return
	}

	now := time.Now().UTC()
	wf := &store.Workflow{
		ID:               uuid.New().String(),
		UserID:           body.UserID,
		Name:             body.Name,
		Snapshot:         body.Snapshot,
		ConcurrencyLimit: body.ConcurrencyLimit,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.deps.Store.CreateWorkflow(ctx, wf); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

// handleGetWorkflow returns a workflow by id.
func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Store.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// handleSubmitRun admits a new run. A replayed idempotency key answers with
// the existing run.
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		WorkflowID      string         `json:"workflow_id"`
		UserID          string         `json:"user_id"`
		TriggerContext  map[string]any `json:"trigger_context"`
		IdempotencyKey  string         `json:"idempotency_key"`
		StartFromNode   string         `json:"start_from_node"`
		EgressAllowlist []string       `json:"egress_allowlist"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	run, err := s.deps.Submitter.Submit(ctx, admission.SubmitRequest{
		WorkflowID:      body.WorkflowID,
		UserID:          body.UserID,
		TriggerContext:  body.TriggerContext,
		IdempotencyKey:  body.IdempotencyKey,
		StartFromNode:   body.StartFromNode,
		EgressAllowlist: body.EgressAllowlist,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, run)
}

// handleListRuns lists runs filtered by query parameters.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		WorkflowID: q.Get("workflow_id"),
		UserID:     q.Get("user_id"),
		Limit:      queryInt(r, "limit", defaultListLimit),
		Offset:     queryInt(r, "offset", 0),
	}
	if raw := q.Get("status"); raw != "" {
		status := schema.RunStatus(raw)
		filter.Status = &status
	}

	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleGetRun returns a run with its node run history.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	run, err := s.deps.Store.GetRun(ctx, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	nodeRuns, err := s.deps.Store.ListNodeRuns(ctx, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":       run,
		"node_runs": nodeRuns,
	})
}

// handleCancelRun cancels a queued or running run. The executing worker
// notices at its next lease renewal.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Store.CancelRun(r.Context(), id, "cancelled via api"); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "run_id": id})
}

// handleCreateSchedule registers a cron schedule. The expression is parsed
// up front so a bad schedule is rejected instead of being disabled later.
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		WorkflowID string `json:"workflow_id"`
		UserID     string `json:"user_id"`
		CronExpr   string `json:"cron_expr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.WorkflowID == "" || body.CronExpr == "" {
		writeError(w, http.StatusBadRequest, "workflow_id and cron_expr are required")
		return
	}

	sched, err := cronParser.Parse(body.CronExpr)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid cron expression: %v", err))
		return
	}

	wf, err := s.deps.Store.GetWorkflow(ctx, body.WorkflowID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	userID := body.UserID
	if userID == "" {
		userID = wf.UserID
	}

	next := sched.Next(time.Now().UTC())
	sch := &store.Schedule{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		UserID:     userID,
		CronExpr:   body.CronExpr,
		Enabled:    true,
		NextRunAt:  &next,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.deps.Store.CreateSchedule(ctx, sch); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sch)
}

// handleUpdateSchedule enables or disables a schedule.
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	if err := s.deps.Store.SetScheduleEnabled(r.Context(), id, *body.Enabled); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": "true", "id": id, "enabled": *body.Enabled})
}

// handleListDeadLetters lists a user's parked failed runs.
func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	letters, err := s.deps.Store.ListDeadLetters(r.Context(), userID, queryInt(r, "limit", defaultListLimit))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

// handleRequeueDeadLetter turns a dead letter back into a fresh queued run.
func (s *Server) handleRequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.RequeueDeadLetter(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// handleDeleteDeadLetter discards a dead letter without re-running it.
func (s *Server) handleDeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Store.DeleteDeadLetter(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "id": id})
}

// handleListEgressBlocks lists a user's denied outbound calls.
func (s *Server) handleListEgressBlocks(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	blocks, err := s.deps.Store.ListEgressBlockEvents(r.Context(), userID, queryInt(r, "limit", defaultListLimit))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"egress_blocks": blocks})
}

// handleListSecrets lists secret key names. Plaintext never leaves the
// vault through this API.
func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	if s.deps.Vault == nil {
		writeError(w, http.StatusServiceUnavailable, "vault not configured")
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	keys, err := s.deps.Vault.List(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// handlePutSecret stores or replaces a secret value.
func (s *Server) handlePutSecret(w http.ResponseWriter, r *http.Request) {
	if s.deps.Vault == nil {
		writeError(w, http.StatusServiceUnavailable, "vault not configured")
		return
	}
	key := r.PathValue("key")

	var body struct {
		UserID string `json:"user_id"`
		Value  string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.UserID == "" || body.Value == "" {
		writeError(w, http.StatusBadRequest, "user_id and value are required")
		return
	}

	if err := s.deps.Vault.Store(r.Context(), body.UserID, key, []byte(body.Value)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "key": key})
}

// handleDeleteSecret removes a secret.
func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	if s.deps.Vault == nil {
		writeError(w, http.StatusServiceUnavailable, "vault not configured")
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	key := r.PathValue("key")
	if err := s.deps.Vault.Delete(r.Context(), userID, key); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "key": key})
}
