// Package admin aggregates diagnosis and recovery behind one façade for the
// operator command surface. It is stateless over the store and may be
// constructed fresh for every invocation.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"agentq/internal/domain"
	"agentq/internal/health"
	"agentq/internal/recovery"
	"agentq/internal/store"
)

type Admin struct {
	store   store.Store
	monitor *health.Monitor
	engine  *recovery.Engine
}

func New(s store.Store) *Admin {
	return &Admin{
		store:   s,
		monitor: health.NewMonitor(s),
		engine:  recovery.NewEngine(s),
	}
}

// WithChecker swaps the liveness oracle on both the monitor and the engine.
func (a *Admin) WithChecker(alive health.ProcessChecker) *Admin {
	a.monitor.WithChecker(alive)
	a.engine.WithChecker(alive)
	return a
}

// Status returns the current health report.
func (a *Admin) Status(ctx context.Context, stuckTimeout time.Duration) (health.Report, error) {
	return a.monitor.Report(ctx, stuckTimeout)
}

// List returns tasks, optionally filtered by status.
func (a *Admin) List(ctx context.Context, status *domain.Status) ([]domain.Task, error) {
	return a.store.List(ctx, store.Filter{Status: status})
}

// Recover applies the operator-chosen remedy to stuck tasks.
func (a *Admin) Recover(ctx context.Context, stuckTimeout time.Duration, markFailed bool) (int, error) {
	return a.engine.RecoverStuck(ctx, stuckTimeout, markFailed)
}

// CleanupDead requeues or fails tasks abandoned by dead processes.
func (a *Admin) CleanupDead(ctx context.Context) (int, error) {
	return a.engine.CleanupDeadProcesses(ctx)
}

// Cleanup purges terminal tasks older than the retention window.
func (a *Admin) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	return a.engine.CleanupTerminal(ctx, olderThan)
}

// Cancel cancels pending tasks, optionally narrowed to one agent type.
func (a *Admin) Cancel(ctx context.Context, targetAgent string) (int, error) {
	return a.engine.CancelPending(ctx, targetAgent)
}

// snapshot is the export file layout.
type snapshot struct {
	ExportedAt time.Time     `json:"exported_at"`
	TaskCount  int           `json:"task_count"`
	Tasks      []domain.Task `json:"tasks"`
}

// Export writes a read-only JSON snapshot of the entire queue to path and
// returns the number of tasks written. Queue state is not mutated.
func (a *Admin) Export(ctx context.Context, path string) (int, error) {
	tasks, err := a.store.List(ctx, store.Filter{})
	if err != nil {
		return 0, err
	}
	snap := snapshot{
		ExportedAt: time.Now().UTC(),
		TaskCount:  len(tasks),
		Tasks:      tasks,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, fmt.Errorf("write snapshot: %w", err)
	}
	return len(tasks), nil
}
