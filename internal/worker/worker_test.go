package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookflow/hookflow/internal/engine"
	"github.com/hookflow/hookflow/internal/events"
	"github.com/hookflow/hookflow/internal/store"
	"github.com/hookflow/hookflow/pkg/schema"
)

// workerStoreStub records worker store calls in memory.
type workerStoreStub struct {
	mu          sync.Mutex
	claims      []*store.Run
	claimErr    error
	completed   map[string]schema.RunStatus
	completeErr error
	deadLetters []*store.DeadLetter
	requeued    int64
	purged      int64
}

func newWorkerStoreStub() *workerStoreStub {
	return &workerStoreStub{completed: make(map[string]schema.RunStatus)}
}

func (s *workerStoreStub) ClaimNextEligibleRun(_ context.Context, _ string, _ int) (*store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	if len(s.claims) == 0 {
		return nil, nil
	}
	run := s.claims[0]
	s.claims = s.claims[1:]
	return run, nil
}

func (s *workerStoreStub) RequeueExpiredLeases(context.Context, int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requeued, nil
}

func (s *workerStoreStub) CompleteRun(_ context.Context, runID, _ string, status schema.RunStatus, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return s.completeErr
	}
	s.completed[runID] = status
	return nil
}

func (s *workerStoreStub) CreateDeadLetter(_ context.Context, dl *store.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, dl)
	return nil
}

func (s *workerStoreStub) PurgeOldRuns(context.Context, int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purged, nil
}

func (s *workerStoreStub) completedStatus(runID string) (schema.RunStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.completed[runID]
	return st, ok
}

func (s *workerStoreStub) deadLetterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deadLetters)
}

// runnerStub returns a canned result.
type runnerStub struct {
	result engine.Result
}

func (r *runnerStub) Execute(context.Context, *store.Run, string) engine.Result {
	return r.result
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRun() *store.Run {
	return &store.Run{
		ID:         "run-1",
		WorkflowID: "wf-1",
		UserID:     "user-1",
		Snapshot:   map[string]any{"nodes": []any{}, "edges": []any{}},
		Status:     schema.RunStatusRunning,
	}
}

func TestExecute_SuccessCompletesRun(t *testing.T) {
	st := newWorkerStoreStub()
	w := New(st, &runnerStub{result: engine.Result{Status: schema.RunStatusSucceeded}}, testLogger(), Config{ID: "worker-a"})

	require.NoError(t, w.execute(context.Background(), testRun()))

	status, ok := st.completedStatus("run-1")
	require.True(t, ok)
	assert.Equal(t, schema.RunStatusSucceeded, status)
	assert.Equal(t, 0, st.deadLetterCount())
}

func TestExecute_FailureWritesDeadLetter(t *testing.T) {
	st := newWorkerStoreStub()
	w := New(st, &runnerStub{result: engine.Result{
		Status: schema.RunStatusFailed,
		Error:  "[EXECUTION_ERROR] node a1: boom",
	}}, testLogger(), Config{ID: "worker-a"})

	err := w.execute(context.Background(), testRun())
	require.Error(t, err)

	status, ok := st.completedStatus("run-1")
	require.True(t, ok)
	assert.Equal(t, schema.RunStatusFailed, status)

	require.Equal(t, 1, st.deadLetterCount())
	dl := st.deadLetters[0]
	assert.Equal(t, "run-1", dl.RunID)
	assert.Equal(t, "wf-1", dl.WorkflowID)
	assert.Equal(t, "user-1", dl.UserID)
	assert.Contains(t, dl.Error, "boom")
	assert.NotNil(t, dl.Snapshot)
	assert.NotEmpty(t, dl.ID)
}

func TestExecute_LeaseLostSkipsDeadLetter(t *testing.T) {
	st := newWorkerStoreStub()
	st.completeErr = schema.NewError(schema.ErrCodeConflict, "lease held by worker-b")
	w := New(st, &runnerStub{result: engine.Result{
		Status: schema.RunStatusFailed,
		Error:  "boom",
	}}, testLogger(), Config{ID: "worker-a"})

	err := w.execute(context.Background(), testRun())
	require.Error(t, err)
	assert.Equal(t, 0, st.deadLetterCount())
}

func TestExecute_CancelledRunNoDeadLetter(t *testing.T) {
	st := newWorkerStoreStub()
	w := New(st, &runnerStub{result: engine.Result{
		Status: schema.RunStatusCancelled,
		Error:  "run cancelled: context deadline exceeded",
	}}, testLogger(), Config{ID: "worker-a"})

	require.NoError(t, w.execute(context.Background(), testRun()))

	status, ok := st.completedStatus("run-1")
	require.True(t, ok)
	assert.Equal(t, schema.RunStatusCancelled, status)
	assert.Equal(t, 0, st.deadLetterCount())
}

func TestWorker_StartClaimsAndStops(t *testing.T) {
	st := newWorkerStoreStub()
	st.claims = []*store.Run{testRun()}
	w := New(st, &runnerStub{result: engine.Result{Status: schema.RunStatusSucceeded}}, testLogger(), Config{ID: "worker-a"})

	require.NoError(t, w.Start(context.Background()))
	defer func() { require.NoError(t, w.Stop()) }()

	require.Eventually(t, func() bool {
		_, ok := st.completedStatus("run-1")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Stop())
	assert.Equal(t, int64(1), w.Metrics().Completed)
}

func TestWorker_StartTwiceFails(t *testing.T) {
	w := New(newWorkerStoreStub(), &runnerStub{}, testLogger(), Config{})
	require.NoError(t, w.Start(context.Background()))
	require.Error(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())
}

func TestWorker_Defaults(t *testing.T) {
	w := New(newWorkerStoreStub(), &runnerStub{}, testLogger(), Config{})
	assert.NotEmpty(t, w.ID())
	assert.Equal(t, 1, w.cfg.Concurrency)
	assert.Equal(t, defaultLeaseSeconds, w.cfg.LeaseSeconds)
}

func TestExecute_PublishesLifecycleEvents(t *testing.T) {
	hub := events.NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), events.Filter{})
	require.NoError(t, err)
	defer cancel()

	st := newWorkerStoreStub()
	w := New(st, &runnerStub{result: engine.Result{
		Status: schema.RunStatusFailed,
		Error:  "boom",
	}}, testLogger(), Config{ID: "worker-a", Events: hub})

	require.Error(t, w.execute(context.Background(), testRun()))

	var types []string
	for i := 0; i < 3; i++ {
		select {
		case ev := <-ch:
			assert.Equal(t, "run-1", ev.RunID)
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Equal(t, []string{
		events.TypeRunClaimed,
		events.TypeRunFailed,
		events.TypeDeadLettered,
	}, types)
}

func TestClaim_ErrorSurfaced(t *testing.T) {
	st := newWorkerStoreStub()
	st.claimErr = errors.New("db locked")
	w := New(st, &runnerStub{}, testLogger(), Config{ID: "worker-a"})

	_, err := w.claim(context.Background())
	require.Error(t, err)
}

// --- Pool tests ---

func TestPool_BoundsConcurrency(t *testing.T) {
	p := NewPool(2)

	var mu sync.Mutex
	active, peak := 0, 0
	release := make(chan struct{})

	for i := 0; i < 5; i++ {
		go func() {
			_ = p.Submit(context.Background(), func(context.Context) error {
				mu.Lock()
				active++
				if active > peak {
					peak = active
				}
				mu.Unlock()
				<-release
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return peak == 2
	}, time.Second, 5*time.Millisecond)

	close(release)
	p.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	p := NewPool(1)
	p.Shutdown()
	err := p.Submit(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestPool_Metrics(t *testing.T) {
	p := NewPool(2)

	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return nil }))
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return errors.New("boom") }))
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { panic("bad") }))
	p.Wait()

	m := p.Metrics()
	assert.Equal(t, int64(1), m.Completed)
	assert.Equal(t, int64(2), m.Failed)
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(0), m.Active)
}
