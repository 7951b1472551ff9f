package admission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookflow/hookflow/internal/runaway"
	"github.com/hookflow/hookflow/internal/store"
	"github.com/hookflow/hookflow/internal/validation"
	"github.com/hookflow/hookflow/pkg/schema"
)

// admissionStoreStub holds workflows and created runs in memory.
type admissionStoreStub struct {
	workflows map[string]*store.Workflow
	runs      map[string]*store.Run
	byKey     map[string]*store.Run
	createErr error
	runCount  int
}

func newAdmissionStoreStub() *admissionStoreStub {
	return &admissionStoreStub{
		workflows: make(map[string]*store.Workflow),
		runs:      make(map[string]*store.Run),
		byKey:     make(map[string]*store.Run),
	}
}

func (s *admissionStoreStub) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	wf, ok := s.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return wf, nil
}

func (s *admissionStoreStub) CreateRun(_ context.Context, run *store.Run) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.runs[run.ID] = run
	if run.IdempotencyKey != "" {
		s.byKey[run.IdempotencyKey] = run
	}
	return nil
}

func (s *admissionStoreStub) GetRunByIdempotencyKey(_ context.Context, key string) (*store.Run, error) {
	return s.byKey[key], nil
}

// guardStoreStub backs the runaway guard.
type guardStoreStub struct {
	docs  map[string]map[string]any
	count int
}

func (g *guardStoreStub) GetSettings(_ context.Context, userID string) (map[string]any, error) {
	return g.docs[userID], nil
}

func (g *guardStoreStub) UpdateSettings(_ context.Context, userID string, doc map[string]any) error {
	g.docs[userID] = doc
	return nil
}

func (g *guardStoreStub) CountWorkspaceRunsSince(context.Context, string, time.Time) (int, error) {
	return g.count, nil
}

func validSnapshot() map[string]any {
	return map[string]any{
		"nodes": []any{
			map[string]any{"id": "t1", "type": "trigger", "data": map[string]any{}},
			map[string]any{"id": "a1", "type": "action", "data": map[string]any{"actionType": "http"}},
		},
		"edges": []any{
			map[string]any{"id": "e1", "source": "t1", "target": "a1"},
		},
	}
}

func newAdmitter(t *testing.T, st *admissionStoreStub, guardStore *guardStoreStub) *Admitter {
	t.Helper()
	v, err := validation.NewSnapshotValidator()
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, v, runaway.NewGuard(guardStore, 10), logger)
}

func seedWorkflow(st *admissionStoreStub) *store.Workflow {
	wf := &store.Workflow{
		ID:       "wf-1",
		UserID:   "user-1",
		Name:     "deploy hook",
		Snapshot: validSnapshot(),
	}
	st.workflows[wf.ID] = wf
	return wf
}

func TestSubmit_CreatesQueuedRun(t *testing.T) {
	st := newAdmissionStoreStub()
	wf := seedWorkflow(st)
	a := newAdmitter(t, st, &guardStoreStub{})

	run, err := a.Submit(context.Background(), SubmitRequest{
		WorkflowID:     wf.ID,
		TriggerContext: map[string]any{"event": "push"},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusQueued, run.Status)
	assert.Equal(t, wf.ID, run.WorkflowID)
	assert.Equal(t, "user-1", run.UserID)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, map[string]any{"event": "push"}, run.Snapshot[schema.SnapshotKeyTriggerContext])
	assert.Len(t, st.runs, 1)
}

func TestSubmit_SnapshotFrozen(t *testing.T) {
	st := newAdmissionStoreStub()
	wf := seedWorkflow(st)
	a := newAdmitter(t, st, &guardStoreStub{})

	run, err := a.Submit(context.Background(), SubmitRequest{WorkflowID: wf.ID})
	require.NoError(t, err)

	// Editing the workflow after admission must not change the run.
	wf.Snapshot["nodes"] = []any{}
	assert.Len(t, run.Snapshot["nodes"], 2)
}

func TestSubmit_IdempotencyReplay(t *testing.T) {
	st := newAdmissionStoreStub()
	wf := seedWorkflow(st)
	a := newAdmitter(t, st, &guardStoreStub{})

	first, err := a.Submit(context.Background(), SubmitRequest{
		WorkflowID:     wf.ID,
		IdempotencyKey: "delivery-9",
	})
	require.NoError(t, err)

	second, err := a.Submit(context.Background(), SubmitRequest{
		WorkflowID:     wf.ID,
		IdempotencyKey: "delivery-9",
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, st.runs, 1)
}

func TestSubmit_RunawayRefusal(t *testing.T) {
	st := newAdmissionStoreStub()
	wf := seedWorkflow(st)
	a := newAdmitter(t, st, &guardStoreStub{count: 50})

	_, err := a.Submit(context.Background(), SubmitRequest{WorkflowID: wf.ID})
	require.Error(t, err)

	hfErr, ok := err.(*schema.Error)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeRunaway, hfErr.Code)
	assert.Empty(t, st.runs)
}

func TestSubmit_InvalidSnapshotRejected(t *testing.T) {
	st := newAdmissionStoreStub()
	st.workflows["wf-bad"] = &store.Workflow{
		ID:       "wf-bad",
		UserID:   "user-1",
		Snapshot: map[string]any{"nodes": []any{map[string]any{"id": "n1", "type": "widget"}}, "edges": []any{}},
	}
	a := newAdmitter(t, st, &guardStoreStub{})

	_, err := a.Submit(context.Background(), SubmitRequest{WorkflowID: "wf-bad"})
	require.Error(t, err)

	hfErr, ok := err.(*schema.Error)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, hfErr.Code)
}

func TestSubmit_UnknownWorkflow(t *testing.T) {
	a := newAdmitter(t, newAdmissionStoreStub(), &guardStoreStub{})
	_, err := a.Submit(context.Background(), SubmitRequest{WorkflowID: "ghost"})
	require.Error(t, err)

	hfErr, ok := err.(*schema.Error)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, hfErr.Code)
}

func TestSubmit_MissingWorkflowID(t *testing.T) {
	a := newAdmitter(t, newAdmissionStoreStub(), &guardStoreStub{})
	_, err := a.Submit(context.Background(), SubmitRequest{})
	require.Error(t, err)
}

func TestSubmit_ReservedKeysLayered(t *testing.T) {
	st := newAdmissionStoreStub()
	wf := seedWorkflow(st)
	a := newAdmitter(t, st, &guardStoreStub{})

	run, err := a.Submit(context.Background(), SubmitRequest{
		WorkflowID:      wf.ID,
		StartFromNode:   "a1",
		EgressAllowlist: []string{"api.example.com"},
	})
	require.NoError(t, err)

	assert.Equal(t, "a1", run.Snapshot[schema.SnapshotKeyStartFromNode])
	assert.Equal(t, []any{"api.example.com"}, run.Snapshot[schema.SnapshotKeyEgressAllowlist])
}

func TestSubmit_CreateRaceFallsBackToExisting(t *testing.T) {
	st := newAdmissionStoreStub()
	wf := seedWorkflow(st)
	a := newAdmitter(t, st, &guardStoreStub{})

	// Simulate a concurrent insert winning between lookup and create.
	winner := &store.Run{ID: "run-winner", WorkflowID: wf.ID, IdempotencyKey: "race-key"}
	st.createErr = errors.New("UNIQUE constraint failed: runs.idempotency_key")
	st.byKey["race-key"] = winner

	run, err := a.Submit(context.Background(), SubmitRequest{
		WorkflowID:     wf.ID,
		IdempotencyKey: "race-key",
	})
	require.NoError(t, err)
	assert.Equal(t, "run-winner", run.ID)
}
