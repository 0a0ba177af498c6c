// Package worker runs the claim/execute/report loop for one agent type.
// Claims poll on an interval; there is no push-based wake-up by design.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"agentq/internal/dispatch"
	"agentq/internal/domain"
	"agentq/internal/store"
)

// Handler executes one operation of the agent. The queue delivers at least
// once; handlers must tolerate redelivery of the same payload.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

type Worker struct {
	agent      string
	store      store.Store
	dispatcher *dispatch.Dispatcher
	handlers   map[string]Handler
	sem        chan struct{}
	pollEvery  time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

func New(s store.Store, agent string, handlers map[string]Handler, concurrency int, pollEvery time.Duration) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		agent:      agent,
		store:      s,
		dispatcher: dispatch.New(s),
		handlers:   handlers,
		sem:        make(chan struct{}, concurrency),
		pollEvery:  pollEvery,
		inflight:   make(map[string]struct{}),
	}
}

// Run polls for claims until ctx is cancelled. Callers should follow up with
// Shutdown to release anything still held.
func (w *Worker) Run(ctx context.Context) {
	t := time.NewTicker(w.pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.drain(ctx)
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for {
		// Take a slot before claiming so a task never sits in PROCESSING
		// waiting for capacity. At capacity, leave it PENDING for the next
		// poll.
		select {
		case w.sem <- struct{}{}:
		default:
			return
		}
		task, err := w.dispatcher.Claim(ctx, w.agent)
		if errors.Is(err, dispatch.ErrNoTask) {
			<-w.sem
			return
		}
		if err != nil {
			<-w.sem
			log.Error().Err(err).Str("agent", w.agent).Msg("claim failed")
			return
		}
		w.track(task.ID)
		w.wg.Add(1)
		go func(tk domain.Task) {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			// A task stays tracked until its completion report lands, so the
			// shutdown hook can release anything left mid-flight.
			if w.execute(ctx, tk) {
				w.untrack(tk.ID)
			}
		}(task)
	}
}

// execute runs the handler and reports the outcome. It returns true once the
// completion report is durably recorded.
func (w *Worker) execute(ctx context.Context, tk domain.Task) bool {
	h, ok := w.handlers[tk.MethodName]
	if !ok {
		return w.report(ctx, tk.ID, false, "no handler for method "+tk.MethodName)
	}
	if err := h.Handle(ctx, tk.Payload); err != nil {
		return w.report(ctx, tk.ID, false, err.Error())
	}
	return w.report(ctx, tk.ID, true, "")
}

func (w *Worker) report(ctx context.Context, id string, success bool, errMsg string) bool {
	if _, err := w.dispatcher.Complete(ctx, id, success, errMsg); err != nil {
		log.Error().Err(err).Str("task_id", id).Bool("success", success).Msg("completion report failed")
		return false
	}
	return true
}

// Shutdown is the graceful-exit hook. It waits up to grace for in-flight
// handlers, then fails every task this worker still holds so nothing lingers
// as falsely healthy. Best-effort: if the process is killed instead, the
// recovery engine's liveness sweep picks the tasks up later.
func (w *Worker) Shutdown(ctx context.Context, grace time.Duration) int {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	case <-ctx.Done():
	}
	return w.ReleaseHeld(ctx)
}

// ReleaseHeld fails every task still tracked as in-flight, annotated as a
// worker shutdown. Tasks a handler already reported on lose the conditional
// update and are skipped.
func (w *Worker) ReleaseHeld(ctx context.Context) int {
	w.mu.Lock()
	held := make([]string, 0, len(w.inflight))
	for id := range w.inflight {
		held = append(held, id)
	}
	w.mu.Unlock()

	msg := "worker shutdown"
	released := 0
	for _, id := range held {
		w.untrack(id)
		t, err := w.store.Get(ctx, id)
		if err != nil {
			continue
		}
		now := time.Now().UTC()
		ok, err := w.store.Update(ctx, id, store.Guard{
			Status:     domain.StatusProcessing,
			RetryCount: &t.RetryCount,
		}, store.Change{
			Status:       domain.StatusFailed,
			RetryCount:   t.RetryCount,
			StartedAt:    t.StartedAt,
			CompletedAt:  &now,
			ProcessID:    t.ProcessID,
			ErrorMessage: &msg,
		})
		if err != nil {
			log.Error().Err(err).Str("task_id", id).Msg("release held task")
			continue
		}
		if ok {
			released++
			log.Warn().Str("task_id", id).Msg("held task failed on shutdown")
		}
	}
	return released
}

func (w *Worker) track(id string) {
	w.mu.Lock()
	w.inflight[id] = struct{}{}
	w.mu.Unlock()
}

func (w *Worker) untrack(id string) {
	w.mu.Lock()
	delete(w.inflight, id)
	w.mu.Unlock()
}
