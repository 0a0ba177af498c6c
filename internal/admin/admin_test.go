package admin_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentq/internal/admin"
	"agentq/internal/dispatch"
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

func seed(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	for _, agent := range []string{"shell", "shell", "webhook"} {
		_, err := s.Enqueue(ctx, domain.Task{TargetAgent: agent, MethodName: "run"})
		require.NoError(t, err)
	}
	_, err := dispatch.New(s).ClaimAs(ctx, "webhook", 4321)
	require.NoError(t, err)
}

func TestStatusReport(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)

	a := admin.New(s).WithChecker(func(int) bool { return true })
	report, err := a.Status(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, report.StatusCounts[domain.StatusPending])
	assert.Equal(t, 1, report.StatusCounts[domain.StatusProcessing])
	assert.Equal(t, 0, report.StuckTasks)
	assert.Equal(t, 0, report.OrphanedTasks)
}

func TestListFilter(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	a := admin.New(s)

	all, err := a.List(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	processing := domain.StatusProcessing
	got, err := a.List(context.Background(), &processing)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "webhook", got[0].TargetAgent)
}

func TestCancel(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	a := admin.New(s)

	n, err := a.Cancel(context.Background(), "shell")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	cancelled := domain.StatusCancelled
	got, err := a.List(context.Background(), &cancelled)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

// Export then list with no intervening mutation must agree exactly, and the
// export itself must not mutate anything.
func TestExportMatchesList(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	a := admin.New(s)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "snapshot.json")
	n, err := a.Export(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	listed, err := a.List(ctx, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap struct {
		ExportedAt time.Time     `json:"exported_at"`
		TaskCount  int           `json:"task_count"`
		Tasks      []domain.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, len(listed), snap.TaskCount)
	require.Len(t, snap.Tasks, len(listed))
	for i := range listed {
		assert.Equal(t, listed[i].ID, snap.Tasks[i].ID)
		assert.Equal(t, listed[i].Status, snap.Tasks[i].Status)
		assert.Equal(t, listed[i].RetryCount, snap.Tasks[i].RetryCount)
	}
}
