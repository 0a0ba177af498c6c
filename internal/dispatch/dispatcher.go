// Package dispatch implements the atomic claim and the completion report.
// Mutual exclusion comes entirely from the store's conditional update; the
// dispatcher itself holds no locks and may be instantiated in any process.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"agentq/internal/domain"
	"agentq/internal/store"
)

// ErrNoTask signals that no eligible task exists right now. It is the normal
// empty-queue result, not a failure; a claim lost to a concurrent worker
// surfaces the same way.
var ErrNoTask = errors.New("no task available")

// claimBatch bounds how many candidates one claim round loads before
// re-listing. Contended rounds re-list rather than give up.
const claimBatch = 16

type Dispatcher struct {
	store store.Store
	pid   int
}

func New(s store.Store) *Dispatcher {
	return &Dispatcher{store: s, pid: os.Getpid()}
}

// Claim atomically transitions the highest-ranked PENDING task for agentType
// to PROCESSING, stamping this process's pid and a start timestamp. Returns
// ErrNoTask when nothing qualifies.
func (d *Dispatcher) Claim(ctx context.Context, agentType string) (domain.Task, error) {
	return d.ClaimAs(ctx, agentType, d.pid)
}

// ClaimAs is Claim with an explicit claimant pid, for transports that claim
// on behalf of another local process.
func (d *Dispatcher) ClaimAs(ctx context.Context, agentType string, pid int) (domain.Task, error) {
	if agentType == "" {
		return domain.Task{}, fmt.Errorf("%w: agent_type is required", domain.ErrValidation)
	}

	pending := domain.StatusPending
	for {
		candidates, err := d.store.List(ctx, store.Filter{
			Status:      &pending,
			TargetAgent: agentType,
			Limit:       claimBatch,
		})
		if err != nil {
			return domain.Task{}, err
		}
		if len(candidates) == 0 {
			return domain.Task{}, ErrNoTask
		}

		for _, t := range candidates {
			now := time.Now().UTC()
			// Guarding on the listed retry_count rejects tasks that were
			// claimed, failed, and requeued since the snapshot; the stale
			// write would otherwise roll the count back.
			ok, err := d.store.Update(ctx, t.ID, store.Guard{
				Status:     domain.StatusPending,
				RetryCount: &t.RetryCount,
			}, store.Change{
				Status:       domain.StatusProcessing,
				RetryCount:   t.RetryCount,
				StartedAt:    &now,
				ProcessID:    &pid,
				ErrorMessage: t.ErrorMessage,
			})
			if err != nil {
				return domain.Task{}, err
			}
			if !ok {
				// Another worker won this row; try the next candidate.
				continue
			}
			t.Status = domain.StatusProcessing
			t.StartedAt = &now
			t.ProcessID = &pid
			log.Debug().Str("task_id", t.ID).Str("agent", agentType).Int("pid", pid).Msg("task claimed")
			return t, nil
		}
		if len(candidates) < claimBatch {
			// Every candidate was raced away and no more exist.
			return domain.Task{}, ErrNoTask
		}
	}
}

// Complete reports the outcome of a claimed task. Success finalizes it as
// COMPLETED. Failure increments retry_count and returns the task to PENDING,
// or finalizes it as FAILED once retries are exhausted. The task must still
// be PROCESSING; anything else means the caller lost ownership.
func (d *Dispatcher) Complete(ctx context.Context, id string, success bool, errMsg string) (domain.Task, error) {
	t, err := d.store.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.StatusProcessing {
		return domain.Task{}, fmt.Errorf("%w: task %s is %s, not processing", domain.ErrValidation, id, t.Status)
	}

	now := time.Now().UTC()
	var ch store.Change
	switch {
	case success:
		ch = store.Change{
			Status:      domain.StatusCompleted,
			RetryCount:  t.RetryCount,
			StartedAt:   t.StartedAt,
			CompletedAt: &now,
			ProcessID:   t.ProcessID,
		}
	case t.RetryCount+1 > t.MaxRetries:
		ch = store.Change{
			Status:       domain.StatusFailed,
			RetryCount:   t.RetryCount + 1,
			StartedAt:    t.StartedAt,
			CompletedAt:  &now,
			ProcessID:    t.ProcessID,
			ErrorMessage: &errMsg,
		}
	default:
		// Retry: back to the queue with ownership cleared.
		ch = store.Change{
			Status:       domain.StatusPending,
			RetryCount:   t.RetryCount + 1,
			ErrorMessage: &errMsg,
		}
	}

	ok, err := d.store.Update(ctx, id, store.Guard{
		Status:     domain.StatusProcessing,
		RetryCount: &t.RetryCount,
	}, ch)
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: task %s changed underneath completion report", domain.ErrValidation, id)
	}

	t.Status = ch.Status
	t.RetryCount = ch.RetryCount
	t.StartedAt = ch.StartedAt
	t.CompletedAt = ch.CompletedAt
	t.ProcessID = ch.ProcessID
	t.ErrorMessage = ch.ErrorMessage
	log.Info().Str("task_id", id).Bool("success", success).Str("status", string(t.Status)).
		Int("retry_count", t.RetryCount).Msg("task completion reported")
	return t, nil
}
