package store_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentq/internal/domain"
	"agentq/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnqueueValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, domain.Task{MethodName: "run"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = s.Enqueue(ctx, domain.Task{TargetAgent: "shell"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = s.Enqueue(ctx, domain.Task{TargetAgent: "shell", MethodName: "run", Priority: 7})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = s.Enqueue(ctx, domain.Task{TargetAgent: "shell", MethodName: "run", MaxRetries: -1})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestEnqueueAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"command":"echo","args":["hi"]}`)
	id, err := s.Enqueue(ctx, domain.Task{
		TargetAgent: "shell",
		MethodName:  "run",
		Payload:     payload,
		Priority:    domain.PriorityHigh,
		MaxRetries:  2,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "shell", got.TargetAgent)
	assert.Equal(t, "run", got.MethodName)
	assert.JSONEq(t, string(payload), string(got.Payload))
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, domain.PriorityHigh, got.Priority)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, 2, got.MaxRetries)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.ProcessID)
	assert.Nil(t, got.ErrorMessage)
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "tsk_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConditionalUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, domain.Task{TargetAgent: "shell", MethodName: "run"})
	require.NoError(t, err)

	now := time.Now().UTC()
	pid := 4242
	ok, err := s.Update(ctx, id, store.Guard{Status: domain.StatusPending}, store.Change{
		Status:    domain.StatusProcessing,
		StartedAt: &now,
		ProcessID: &pid,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	// Guard no longer matches: the same transition must not commit twice.
	ok, err = s.Update(ctx, id, store.Guard{Status: domain.StatusPending}, store.Change{
		Status:    domain.StatusProcessing,
		StartedAt: &now,
		ProcessID: &pid,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)
	require.NotNil(t, got.ProcessID)
	assert.Equal(t, pid, *got.ProcessID)
	require.NotNil(t, got.StartedAt)
	assert.WithinDuration(t, now, *got.StartedAt, time.Second)
}

// RetryCount and StartedAt guards must reject writes from a snapshot the
// row has since moved past.
func TestConditionalUpdateGuardFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, domain.Task{TargetAgent: "shell", MethodName: "run"})
	require.NoError(t, err)

	staleRC := 5
	ok, err := s.Update(ctx, id, store.Guard{Status: domain.StatusPending, RetryCount: &staleRC}, store.Change{
		Status: domain.StatusCancelled,
	})
	require.NoError(t, err)
	assert.False(t, ok, "mismatched retry_count must not commit")

	now := time.Now().UTC()
	pid := 77
	ok, err = s.Update(ctx, id, store.Guard{Status: domain.StatusPending}, store.Change{
		Status:    domain.StatusProcessing,
		StartedAt: &now,
		ProcessID: &pid,
	})
	require.NoError(t, err)
	require.True(t, ok)

	stale := now.Add(-time.Hour)
	ok, err = s.Update(ctx, id, store.Guard{Status: domain.StatusProcessing, StartedAt: &stale}, store.Change{
		Status: domain.StatusPending,
	})
	require.NoError(t, err)
	assert.False(t, ok, "mismatched started_at must not commit")

	// The stored started_at read back through Get matches the guard exactly.
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	rc := got.RetryCount
	ok, err = s.Update(ctx, id, store.Guard{
		Status:     domain.StatusProcessing,
		RetryCount: &rc,
		StartedAt:  got.StartedAt,
	}, store.Change{Status: domain.StatusPending})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListOrderingAndFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Enqueue(ctx, domain.Task{TargetAgent: "shell", MethodName: "run", Priority: domain.PriorityNormal})
	require.NoError(t, err)
	b, err := s.Enqueue(ctx, domain.Task{TargetAgent: "shell", MethodName: "run", Priority: domain.PriorityHigh})
	require.NoError(t, err)
	c, err := s.Enqueue(ctx, domain.Task{TargetAgent: "shell", MethodName: "run", Priority: domain.PriorityNormal})
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, domain.Task{TargetAgent: "webhook", MethodName: "call"})
	require.NoError(t, err)

	pending := domain.StatusPending
	tasks, err := s.List(ctx, store.Filter{Status: &pending, TargetAgent: "shell"})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, []string{b, a, c}, []string{tasks[0].ID, tasks[1].ID, tasks[2].ID})

	tasks, err = s.List(ctx, store.Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Enqueue(ctx, domain.Task{TargetAgent: "shell", MethodName: "run"})
		require.NoError(t, err)
	}
	id, err := s.Enqueue(ctx, domain.Task{TargetAgent: "shell", MethodName: "run"})
	require.NoError(t, err)
	now := time.Now().UTC()
	ok, err := s.Update(ctx, id, store.Guard{Status: domain.StatusPending}, store.Change{Status: domain.StatusCancelled, CompletedAt: &now})
	require.NoError(t, err)
	require.True(t, ok)

	counts, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[domain.StatusPending])
	assert.Equal(t, 1, counts[domain.StatusCancelled])
	assert.Equal(t, 0, counts[domain.StatusProcessing])
	assert.Equal(t, 0, counts[domain.StatusCompleted])
	assert.Equal(t, 0, counts[domain.StatusFailed])
}

func TestPurgeTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	oldDone, err := s.Enqueue(ctx, domain.Task{TargetAgent: "shell", MethodName: "run"})
	require.NoError(t, err)
	ok, err := s.Update(ctx, oldDone, store.Guard{Status: domain.StatusPending}, store.Change{Status: domain.StatusCompleted, CompletedAt: &old})
	require.NoError(t, err)
	require.True(t, ok)

	recentDone, err := s.Enqueue(ctx, domain.Task{TargetAgent: "shell", MethodName: "run"})
	require.NoError(t, err)
	now := time.Now().UTC()
	ok, err = s.Update(ctx, recentDone, store.Guard{Status: domain.StatusPending}, store.Change{Status: domain.StatusCompleted, CompletedAt: &now})
	require.NoError(t, err)
	require.True(t, ok)

	stillPending, err := s.Enqueue(ctx, domain.Task{TargetAgent: "shell", MethodName: "run"})
	require.NoError(t, err)

	n, err := s.PurgeTerminal(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, oldDone)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.Get(ctx, recentDone)
	assert.NoError(t, err)
	_, err = s.Get(ctx, stillPending)
	assert.NoError(t, err)
}
