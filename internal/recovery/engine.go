// Package recovery remediates tasks stranded by slow or dead workers. Every
// operation is idempotent and guarded by the store's conditional update, so
// sweeps may run concurrently with live claims without corrupting rows.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"agentq/internal/domain"
	"agentq/internal/health"
	"agentq/internal/store"
)

type Engine struct {
	store store.Store
	alive health.ProcessChecker
}

func NewEngine(s store.Store) *Engine {
	return &Engine{store: s, alive: health.ProcessAlive}
}

// WithChecker swaps the liveness oracle, for tests.
func (e *Engine) WithChecker(alive health.ProcessChecker) *Engine {
	e.alive = alive
	return e
}

// RecoverStuck handles PROCESSING tasks older than stuckTimeout. The remedy
// is the operator's call: reset to PENDING with retry_count preserved, or
// finalize as FAILED. Returns how many tasks were affected. A second
// immediate call with the same timeout affects none.
func (e *Engine) RecoverStuck(ctx context.Context, stuckTimeout time.Duration, markFailed bool) (int, error) {
	processing := domain.StatusProcessing
	tasks, err := e.store.List(ctx, store.Filter{Status: &processing})
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	cutoff := now.Add(-stuckTimeout)
	affected := 0
	for _, t := range tasks {
		if t.StartedAt == nil || !t.StartedAt.Before(cutoff) {
			continue
		}
		var ch store.Change
		if markFailed {
			msg := fmt.Sprintf("stuck: processing exceeded %s", stuckTimeout)
			ch = store.Change{
				Status:       domain.StatusFailed,
				RetryCount:   t.RetryCount,
				StartedAt:    t.StartedAt,
				CompletedAt:  &now,
				ProcessID:    t.ProcessID,
				ErrorMessage: &msg,
			}
		} else {
			ch = store.Change{
				Status:       domain.StatusPending,
				RetryCount:   t.RetryCount,
				ErrorMessage: t.ErrorMessage,
			}
		}
		// Guard on the observed started_at too: a task that was meanwhile
		// requeued and freshly re-claimed is not stuck anymore.
		ok, err := e.store.Update(ctx, t.ID, store.Guard{
			Status:     domain.StatusProcessing,
			RetryCount: &t.RetryCount,
			StartedAt:  t.StartedAt,
		}, ch)
		if err != nil {
			return affected, err
		}
		if ok {
			affected++
			log.Warn().Str("task_id", t.ID).Str("policy", policyName(markFailed)).
				Dur("stuck_timeout", stuckTimeout).Time("started_at", *t.StartedAt).
				Msg("stuck task recovered")
		}
	}
	return affected, nil
}

// CleanupDeadProcesses handles PROCESSING tasks whose recorded owner is no
// longer alive. Each gets retry_count incremented and returns to PENDING,
// or is finalized as FAILED once retries are exhausted. Tasks whose owner
// is still alive are never touched.
func (e *Engine) CleanupDeadProcesses(ctx context.Context) (int, error) {
	processing := domain.StatusProcessing
	tasks, err := e.store.List(ctx, store.Filter{Status: &processing})
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	affected := 0
	for _, t := range tasks {
		if t.ProcessID != nil && e.alive(*t.ProcessID) {
			continue
		}
		pid := 0
		if t.ProcessID != nil {
			pid = *t.ProcessID
		}
		retries := t.RetryCount + 1
		var ch store.Change
		if retries > t.MaxRetries {
			msg := fmt.Sprintf("process %d died; retries exhausted", pid)
			ch = store.Change{
				Status:       domain.StatusFailed,
				RetryCount:   retries,
				StartedAt:    t.StartedAt,
				CompletedAt:  &now,
				ProcessID:    t.ProcessID,
				ErrorMessage: &msg,
			}
		} else {
			msg := fmt.Sprintf("process %d died; task requeued", pid)
			ch = store.Change{
				Status:       domain.StatusPending,
				RetryCount:   retries,
				ErrorMessage: &msg,
			}
		}
		ok, err := e.store.Update(ctx, t.ID, store.Guard{
			Status:     domain.StatusProcessing,
			RetryCount: &t.RetryCount,
			StartedAt:  t.StartedAt,
		}, ch)
		if err != nil {
			return affected, err
		}
		if ok {
			affected++
			log.Warn().Str("task_id", t.ID).Int("pid", pid).Int("retry_count", retries).
				Str("status", string(ch.Status)).Msg("orphaned task cleaned up")
		}
	}
	return affected, nil
}

// CleanupTerminal permanently deletes terminal tasks that finished before
// now-olderThan. Returns the number removed.
func (e *Engine) CleanupTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	n, err := e.store.PurgeTerminal(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int("removed", n).Time("cutoff", cutoff).Msg("terminal tasks purged")
	}
	return n, nil
}

// CancelPending transitions matching PENDING tasks to CANCELLED. A task
// claimed in the meantime loses the conditional update and is left alone;
// it is not counted.
func (e *Engine) CancelPending(ctx context.Context, targetAgent string) (int, error) {
	pending := domain.StatusPending
	tasks, err := e.store.List(ctx, store.Filter{Status: &pending, TargetAgent: targetAgent})
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	cancelled := 0
	for _, t := range tasks {
		ok, err := e.store.Update(ctx, t.ID, store.Guard{
			Status:     domain.StatusPending,
			RetryCount: &t.RetryCount,
		}, store.Change{
			Status:       domain.StatusCancelled,
			RetryCount:   t.RetryCount,
			CompletedAt:  &now,
			ErrorMessage: t.ErrorMessage,
		})
		if err != nil {
			return cancelled, err
		}
		if ok {
			cancelled++
			log.Info().Str("task_id", t.ID).Msg("pending task cancelled")
		}
	}
	return cancelled, nil
}

func policyName(markFailed bool) string {
	if markFailed {
		return "mark-failed"
	}
	return "reset-to-pending"
}
