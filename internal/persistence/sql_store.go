package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/sagaflow/pkg/api"
)

// dialect holds the per-database differences of the SQL stores.
type dialect struct {
	name     string
	blob     string
	serialPK string
	// numbered placeholders ($1, $2 ...) instead of ?.
	numbered bool
}

var (
	sqliteDialect = dialect{
		name:     "sqlite",
		blob:     "BLOB",
		serialPK: "INTEGER PRIMARY KEY AUTOINCREMENT",
	}
	postgresDialect = dialect{
		name:     "postgres",
		blob:     "BYTEA",
		serialPK: "BIGSERIAL PRIMARY KEY",
		numbered: true,
	}
)

// upsert is the conflict clause appended to INSERT statements keyed by key.
func upsert(key string, cols ...string) string {
	sets := make([]string, 0, len(cols))
	for _, c := range cols {
		sets = append(sets, c+" = excluded."+c)
	}
	return " ON CONFLICT (" + key + ") DO UPDATE SET " + strings.Join(sets, ", ")
}

// rebind rewrites ? placeholders for dialects with numbered parameters.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlStore implements Store on database/sql. The executions table keeps a
// few columns for filtering next to the gob-encoded snapshot.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*sqlStore, error) {
	s := &sqlStore{db: db, d: d}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("%s: init schema: %w", d.name, err)
	}
	return s, nil
}

func (s *sqlStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			version TEXT NOT NULL,
			state TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			snapshot ` + s.d.blob + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow_state ON executions(workflow, state)`,
		`CREATE TABLE IF NOT EXISTS step_records (
			id ` + s.d.serialPK + `,
			execution_id TEXT NOT NULL,
			step TEXT NOT NULL,
			event TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			at BIGINT NOT NULL,
			duration_ns BIGINT NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_records_execution ON step_records(execution_id, id)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			execution_id TEXT PRIMARY KEY,
			created_at BIGINT NOT NULL,
			payload ` + s.d.blob + ` NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) UpdateExecution(ctx context.Context, snap *api.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	updated := snap.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	q := `INSERT INTO executions (id, workflow, version, state, parent_id, created_at, updated_at, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)` +
		upsert("id", "workflow", "version", "state", "parent_id", "updated_at", "snapshot")
	_, err = s.db.ExecContext(ctx, s.d.rebind(q),
		snap.ID,
		snap.Workflow,
		snap.Version,
		string(snap.State),
		snap.ParentID,
		snap.CreatedAt.UnixNano(),
		updated.UnixNano(),
		data,
	)
	return err
}

func (s *sqlStore) GetExecution(ctx context.Context, id string) (*api.Snapshot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		s.d.rebind(`SELECT snapshot FROM executions WHERE id = ?`), id,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return decodeSnapshot(data)
}

func (s *sqlStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Snapshot, error) {
	var (
		where []string
		args  []any
	)
	if filter.Workflow != "" {
		where = append(where, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}

	q := `SELECT snapshot FROM executions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Snapshot
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		snap, err := decodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *sqlStore) RecordStep(ctx context.Context, rec StepRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.d.rebind(`
		INSERT INTO step_records (execution_id, step, event, attempt, at, duration_ns, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		rec.ExecutionID,
		rec.Step,
		string(rec.Event),
		rec.Attempt,
		at.UnixNano(),
		int64(rec.Duration),
		rec.Error,
	)
	return err
}

func (s *sqlStore) ListSteps(ctx context.Context, executionID string) ([]StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`
		SELECT execution_id, step, event, attempt, at, duration_ns, error
		FROM step_records
		WHERE execution_id = ?
		ORDER BY id ASC`), executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		var (
			rec   StepRecord
			event string
			atN   int64
			durN  int64
		)
		if err := rows.Scan(&rec.ExecutionID, &rec.Step, &event, &rec.Attempt, &atN, &durN, &rec.Error); err != nil {
			return nil, err
		}
		rec.Event = StepEvent(event)
		rec.At = time.Unix(0, atN)
		rec.Duration = time.Duration(durN)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqlStore) SaveCheckpoint(ctx context.Context, cp *api.Checkpoint) error {
	data, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}
	created := cp.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	q := `INSERT INTO checkpoints (execution_id, created_at, payload) VALUES (?, ?, ?)` +
		upsert("execution_id", "created_at", "payload")
	_, err = s.db.ExecContext(ctx, s.d.rebind(q), cp.ExecutionID, created.UnixNano(), data)
	return err
}

func (s *sqlStore) LoadCheckpoint(ctx context.Context, executionID string) (*api.Checkpoint, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		s.d.rebind(`SELECT payload FROM checkpoints WHERE execution_id = ?`), executionID,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCheckpointNotFound
		}
		return nil, err
	}
	return decodeCheckpoint(data)
}

func (s *sqlStore) DeleteCheckpoint(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx,
		s.d.rebind(`DELETE FROM checkpoints WHERE execution_id = ?`), executionID)
	return err
}
