package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLiteQueue is a persistent task queue implementation backed by SQLite.
// Due tasks are claimed in (not_before, id) order inside a transaction that
// selects and deletes the row.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the tasks table in the given DB and returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			type TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			workflow TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			enqueued_at INTEGER NOT NULL,
			not_before INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_not_before ON tasks(not_before, id)`,
	}
	for _, stmt := range stmts {
		if _, err := q.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	t = normalize(t, time.Now())
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, type, execution_id, workflow, attempts, last_error, enqueued_at, not_before)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		string(t.Type),
		t.ExecutionID,
		t.Workflow,
		t.Attempts,
		t.LastError,
		t.EnqueuedAt.UnixNano(),
		t.NotBefore.UnixNano(),
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		task, err := q.claim(ctx, time.Now())
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		// Nothing due: sleep a bit and retry.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// claim removes and returns the first task due at now, or nil.
func (q *SQLiteQueue) claim(ctx context.Context, now time.Time) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	var (
		id        int64
		t         Task
		typeStr   string
		enqueued  int64
		notBefore int64
	)
	row := tx.QueryRowContext(ctx, `
		SELECT id, task_id, type, execution_id, workflow, attempts, last_error, enqueued_at, not_before
		FROM tasks
		WHERE not_before <= ?
		ORDER BY not_before, id
		LIMIT 1`, now.UnixNano())
	err = row.Scan(&id, &t.ID, &typeStr, &t.ExecutionID, &t.Workflow, &t.Attempts, &t.LastError, &enqueued, &notBefore)
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	// Delete the row we just claimed.
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t.Type = TaskType(typeStr)
	t.EnqueuedAt = time.Unix(0, enqueued)
	t.NotBefore = time.Unix(0, notBefore)
	return &t, nil
}

func (q *SQLiteQueue) Len() int {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}
