// Package store provides durable task storage with atomic primitives. The
// conditional Update is the only coordination point the queue relies on:
// a transition commits only when the row still holds the expected status.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"agentq/internal/domain"
)

// Filter narrows List and Cancel operations.
type Filter struct {
	Status      *domain.Status
	TargetAgent string
	Limit       int
}

// Guard is the prior state a conditional Update requires. Status is always
// checked. RetryCount and StartedAt, when set, must also still match the
// row; callers writing from a read snapshot use them to detect that the row
// was requeued or re-claimed underneath them.
type Guard struct {
	Status     domain.Status
	RetryCount *int
	StartedAt  *time.Time
}

// Change is the full mutable state written by a conditional Update. Callers
// read the current row, compute the next state, and write it whole; the
// guard rejects the write if another worker got there first.
type Change struct {
	Status       domain.Status
	RetryCount   int
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ProcessID    *int
	ErrorMessage *string
}

type Store interface {
	// Enqueue persists a new PENDING task and returns its id. Empty agent or
	// method names and unsupported priorities fail with domain.ErrValidation.
	Enqueue(ctx context.Context, t domain.Task) (string, error)

	// Get returns the task or domain.ErrNotFound.
	Get(ctx context.Context, id string) (domain.Task, error)

	// List returns matching tasks ordered by priority descending, then
	// created_at ascending (FIFO within a priority band).
	List(ctx context.Context, f Filter) ([]domain.Task, error)

	// Update commits ch only if the row currently matches g. It returns
	// false (and no error) when the guard fails, so lost races are cheap to
	// detect and never surface as partial writes.
	Update(ctx context.Context, id string, g Guard, ch Change) (bool, error)

	// Stats counts tasks per status.
	Stats(ctx context.Context) (map[domain.Status]int, error)

	// PurgeTerminal permanently deletes terminal tasks finished before the
	// cutoff and returns the number removed.
	PurgeTerminal(ctx context.Context, before time.Time) (int, error)

	Close() error
}

// Drivers supported by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects to the configured backend, runs pending migrations, and
// returns a ready Store.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case DriverSQLite:
		db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dsn))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1) // SQLite single writer
		if err := Migrate(db, driver); err != nil {
			db.Close()
			return nil, err
		}
		return NewSQLite(db), nil
	case DriverPostgres:
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := Migrate(db, driver); err != nil {
			db.Close()
			return nil, err
		}
		return NewPostgres(db), nil
	}
	return nil, fmt.Errorf("%w: unknown store driver %q", domain.ErrValidation, driver)
}

// validateEnqueue enforces the enqueue contract shared by both backends.
func validateEnqueue(t *domain.Task) error {
	if t.TargetAgent == "" {
		return fmt.Errorf("%w: target_agent is required", domain.ErrValidation)
	}
	if t.MethodName == "" {
		return fmt.Errorf("%w: method_name is required", domain.ErrValidation)
	}
	if t.Priority == 0 {
		t.Priority = domain.PriorityNormal
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("%w: unsupported priority %d", domain.ErrValidation, int(t.Priority))
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0", domain.ErrValidation)
	}
	return nil
}
