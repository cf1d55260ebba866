package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// PostgresQueue implements Queue using a PostgreSQL table.
//
// Schema (created automatically if missing):
//
//	CREATE TABLE IF NOT EXISTS <table> (
//	    id         TEXT PRIMARY KEY,
//	    payload    BYTEA NOT NULL,
//	    not_before BIGINT NOT NULL,
//	    seq        BIGSERIAL
//	);
//
// Payloads are gob-encoded Tasks. Due rows are claimed with
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers never
// receive the same task.
type PostgresQueue struct {
	db           *sql.DB
	table        string
	pollInterval time.Duration
}

// NewPostgresQueue creates the queue table if needed. table defaults to
// "sagaflow_tasks" and must be a plain identifier.
func NewPostgresQueue(ctx context.Context, db *sql.DB, table string) (*PostgresQueue, error) {
	if table == "" {
		table = "sagaflow_tasks"
	}
	if !validIdentifier(table) {
		return nil, fmt.Errorf("invalid queue table name %q", table)
	}
	q := &PostgresQueue{
		db:           db,
		table:        table,
		pollInterval: 50 * time.Millisecond,
	}
	if err := q.initSchema(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) initSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			payload    BYTEA NOT NULL,
			not_before BIGINT NOT NULL,
			seq        BIGSERIAL
		)`, q.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_due_idx ON %s (not_before, seq)`, q.table, q.table),
	}
	for _, stmt := range stmts {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	t = normalize(t, time.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, payload, not_before) VALUES ($1, $2, $3)`, q.table),
		t.ID, data, t.NotBefore.UnixNano(),
	)
	return err
}

// Dequeue polls until a due task is claimed or ctx is cancelled.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := time.NewTimer(q.pollInterval)
	defer tmr.Stop()

	for {
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

		tmr.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}

func (q *PostgresQueue) claim(ctx context.Context, now time.Time) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	var (
		id      string
		payload []byte
	)
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, payload
		FROM %s
		WHERE not_before <= $1
		ORDER BY not_before, seq
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, q.table), now.UnixNano()).Scan(&id, &payload)
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, q.table), id); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	task, err := DecodeTask(payload)
	if err != nil {
		return nil, fmt.Errorf("decode task %q: %w", id, err)
	}
	return task, nil
}

// Len returns an approximate number of queued tasks.
func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, q.table)).Scan(&n); err != nil {
		slog.Warn("postgres queue: len failed", "error", err)
		return 0
	}
	return n
}

func validIdentifier(s string) bool {
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return s != ""
}
