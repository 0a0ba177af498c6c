package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentq/internal/domain"
)

// postgresStore is the alternative backend for deployments that already run
// Postgres. Same contract and column order as the SQLite store, $n placeholders.
type postgresStore struct{ db *sql.DB }

// NewPostgres wraps an already-migrated Postgres handle.
func NewPostgres(db *sql.DB) Store { return &postgresStore{db: db} }

func (s *postgresStore) Enqueue(ctx context.Context, t domain.Task) (string, error) {
	if err := validateEnqueue(&t); err != nil {
		return "", err
	}
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	payload := t.Payload
	if payload == nil {
		payload = []byte("{}")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES ($1,$2,$3,$4,'pending',$5,0,$6,$7,NULL,NULL,NULL,NULL)
`, id, t.TargetAgent, t.MethodName, []byte(payload), int(t.Priority), t.MaxRetries, createdAt)
	if err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	return id, nil
}

func (s *postgresStore) Get(ctx context.Context, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (s *postgresStore) List(ctx context.Context, f Filter) ([]domain.Task, error) {
	query, args := buildListQuery(f, postgresPlaceholders)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *postgresStore) Update(ctx context.Context, id string, g Guard, ch Change) (bool, error) {
	if !ch.Status.Valid() {
		return false, fmt.Errorf("%w: invalid status %q", domain.ErrValidation, string(ch.Status))
	}
	query, args := buildUpdateQuery(id, g, ch, postgresPlaceholders)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update task %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *postgresStore) Stats(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()
	return collectStats(rows)
}

func (s *postgresStore) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM tasks
WHERE status IN ('completed','failed','cancelled')
  AND COALESCE(completed_at, created_at) < $1
`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge terminal tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *postgresStore) Close() error { return s.db.Close() }
