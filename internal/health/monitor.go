// Package health produces on-demand, read-only queue diagnostics. Nothing
// here runs in the background or mutates state; stuck and orphan detection
// is computed lazily at the moment of the call.
package health

import (
	"context"
	"time"

	"agentq/internal/domain"
	"agentq/internal/store"
)

// Report is a point-in-time summary of queue state. StuckTasks counts
// PROCESSING tasks older than the timeout regardless of owner liveness;
// OrphanedTasks counts PROCESSING tasks whose owner is dead regardless of
// age. The two overlap but answer different operational questions.
type Report struct {
	GeneratedAt   time.Time             `json:"generated_at"`
	StatusCounts  map[domain.Status]int `json:"status_counts"`
	StuckTasks    int                   `json:"stuck_tasks"`
	OrphanedTasks int                   `json:"orphaned_tasks"`
	StuckTimeout  time.Duration         `json:"stuck_timeout"`
}

type Monitor struct {
	store store.Store
	alive ProcessChecker
}

func NewMonitor(s store.Store) *Monitor {
	return &Monitor{store: s, alive: ProcessAlive}
}

// WithChecker swaps the liveness oracle, for tests.
func (m *Monitor) WithChecker(alive ProcessChecker) *Monitor {
	m.alive = alive
	return m
}

func (m *Monitor) Report(ctx context.Context, stuckTimeout time.Duration) (Report, error) {
	now := time.Now().UTC()
	r := Report{GeneratedAt: now, StuckTimeout: stuckTimeout}

	counts, err := m.store.Stats(ctx)
	if err != nil {
		return Report{}, err
	}
	r.StatusCounts = counts

	processing := domain.StatusProcessing
	tasks, err := m.store.List(ctx, store.Filter{Status: &processing})
	if err != nil {
		return Report{}, err
	}

	cutoff := now.Add(-stuckTimeout)
	for _, t := range tasks {
		if t.StartedAt != nil && t.StartedAt.Before(cutoff) {
			r.StuckTasks++
		}
		if t.ProcessID == nil || !m.alive(*t.ProcessID) {
			r.OrphanedTasks++
		}
	}
	return r, nil
}
