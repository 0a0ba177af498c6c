package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentq/internal/domain"
)

type sqliteStore struct{ db *sql.DB }

// NewSQLite wraps an already-migrated SQLite handle.
func NewSQLite(db *sql.DB) Store { return &sqliteStore{db: db} }

const taskColumns = `id,target_agent,method_name,payload,status,priority,retry_count,max_retries,created_at,started_at,completed_at,process_id,error_message`

func (s *sqliteStore) Enqueue(ctx context.Context, t domain.Task) (string, error) {
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
VALUES (?,?,?,?,'pending',?,0,?,?,NULL,NULL,NULL,NULL)
`, id, t.TargetAgent, t.MethodName, []byte(payload), int(t.Priority), t.MaxRetries, createdAt)
	if err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	return id, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (s *sqliteStore) List(ctx context.Context, f Filter) ([]domain.Task, error) {
	query, args := buildListQuery(f, sqlitePlaceholders)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *sqliteStore) Update(ctx context.Context, id string, g Guard, ch Change) (bool, error) {
	if !ch.Status.Valid() {
		return false, fmt.Errorf("%w: invalid status %q", domain.ErrValidation, string(ch.Status))
	}
	query, args := buildUpdateQuery(id, g, ch, sqlitePlaceholders)
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

func (s *sqliteStore) Stats(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()
	return collectStats(rows)
}

func (s *sqliteStore) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM tasks
WHERE status IN ('completed','failed','cancelled')
  AND COALESCE(completed_at, created_at) < ?
`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge terminal tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

// Shared row plumbing. Both backends select taskColumns in the same order.

type rowScanner interface{ Scan(dest ...any) error }

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t         domain.Task
		priority  int
		started   sql.NullTime
		completed sql.NullTime
		pid       sql.NullInt64
		errMsg    sql.NullString
	)
	err := row.Scan(&t.ID, &t.TargetAgent, &t.MethodName, &t.Payload, &t.Status, &priority,
		&t.RetryCount, &t.MaxRetries, &t.CreatedAt, &started, &completed, &pid, &errMsg)
	if err != nil {
		return domain.Task{}, err
	}
	t.Priority = domain.Priority(priority)
	if started.Valid {
		v := started.Time
		t.StartedAt = &v
	}
	if completed.Valid {
		v := completed.Time
		t.CompletedAt = &v
	}
	if pid.Valid {
		v := int(pid.Int64)
		t.ProcessID = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		t.ErrorMessage = &v
	}
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func collectStats(rows *sql.Rows) (map[domain.Status]int, error) {
	counts := make(map[domain.Status]int, len(domain.AllStatuses))
	for _, st := range domain.AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.Status(status)] = n
	}
	return counts, rows.Err()
}

type placeholderFunc func(n int) string

func sqlitePlaceholders(int) string { return "?" }

func postgresPlaceholders(n int) string { return fmt.Sprintf("$%d", n) }

func buildUpdateQuery(id string, g Guard, ch Change, ph placeholderFunc) (string, []any) {
	var (
		b    strings.Builder
		args []any
	)
	set := []struct {
		col string
		val any
	}{
		{"status", string(ch.Status)},
		{"retry_count", ch.RetryCount},
		{"started_at", nullTime(ch.StartedAt)},
		{"completed_at", nullTime(ch.CompletedAt)},
		{"process_id", nullInt(ch.ProcessID)},
		{"error_message", nullString(ch.ErrorMessage)},
	}
	b.WriteString("UPDATE tasks SET ")
	for i, c := range set {
		if i > 0 {
			b.WriteString(", ")
		}
		args = append(args, c.val)
		b.WriteString(c.col + "=" + ph(len(args)))
	}
	args = append(args, id)
	b.WriteString(" WHERE id=" + ph(len(args)))
	args = append(args, string(g.Status))
	b.WriteString(" AND status=" + ph(len(args)))
	if g.RetryCount != nil {
		args = append(args, *g.RetryCount)
		b.WriteString(" AND retry_count=" + ph(len(args)))
	}
	if g.StartedAt != nil {
		args = append(args, g.StartedAt.UTC())
		b.WriteString(" AND started_at=" + ph(len(args)))
	}
	return b.String(), args
}

func buildListQuery(f Filter, ph placeholderFunc) (string, []any) {
	var (
		b    strings.Builder
		args []any
	)
	b.WriteString(`SELECT ` + taskColumns + ` FROM tasks`)
	var clauses []string
	if f.Status != nil {
		args = append(args, string(*f.Status))
		clauses = append(clauses, "status="+ph(len(args)))
	}
	if f.TargetAgent != "" {
		args = append(args, f.TargetAgent)
		clauses = append(clauses, "target_agent="+ph(len(args)))
	}
	if len(clauses) > 0 {
		b.WriteString(" WHERE " + strings.Join(clauses, " AND "))
	}
	b.WriteString(" ORDER BY priority DESC, created_at ASC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		b.WriteString(" LIMIT " + ph(len(args)))
	}
	return b.String(), args
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
