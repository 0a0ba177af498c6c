// Package janitor runs operator-scheduled recovery sweeps while the server
// is up. The queue core itself never starts timers; this is an opt-in
// convenience equivalent to running the admin commands on a cron schedule.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"agentq/internal/recovery"
)

type Options struct {
	// Schedule is a standard cron expression.
	Schedule string
	// StuckTimeout bounds how long a task may stay PROCESSING before the
	// stuck sweep touches it. Zero disables the stuck sweep.
	StuckTimeout time.Duration
	// MarkStuckFailed selects the stuck-recovery policy.
	MarkStuckFailed bool
	// RetentionAge bounds how long terminal tasks are kept. Zero disables
	// the retention sweep.
	RetentionAge time.Duration
}

type Janitor struct {
	engine *recovery.Engine
	cron   *cron.Cron
	opts   Options
}

func New(engine *recovery.Engine, opts Options) (*Janitor, error) {
	if _, err := cron.ParseStandard(opts.Schedule); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", opts.Schedule, err)
	}
	return &Janitor{engine: engine, cron: cron.New(), opts: opts}, nil
}

// Start registers the sweep and begins the schedule. ctx cancellation stops it.
func (j *Janitor) Start(ctx context.Context) error {
	if _, err := j.cron.AddFunc(j.opts.Schedule, func() { j.sweep(ctx) }); err != nil {
		return err
	}
	j.cron.Start()
	log.Info().Str("schedule", j.opts.Schedule).Msg("janitor started")

	<-ctx.Done()
	stopped := j.cron.Stop()
	<-stopped.Done()
	return nil
}

func (j *Janitor) sweep(ctx context.Context) {
	if n, err := j.engine.CleanupDeadProcesses(ctx); err != nil {
		log.Error().Err(err).Msg("janitor: dead-process cleanup failed")
	} else if n > 0 {
		log.Info().Int("affected", n).Msg("janitor: dead-process cleanup")
	}

	if j.opts.StuckTimeout > 0 {
		if n, err := j.engine.RecoverStuck(ctx, j.opts.StuckTimeout, j.opts.MarkStuckFailed); err != nil {
			log.Error().Err(err).Msg("janitor: stuck recovery failed")
		} else if n > 0 {
			log.Info().Int("affected", n).Msg("janitor: stuck recovery")
		}
	}

	if j.opts.RetentionAge > 0 {
		if n, err := j.engine.CleanupTerminal(ctx, j.opts.RetentionAge); err != nil {
			log.Error().Err(err).Msg("janitor: retention cleanup failed")
		} else if n > 0 {
			log.Info().Int("removed", n).Msg("janitor: retention cleanup")
		}
	}
}
