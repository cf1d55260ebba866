package persistence

import (
	"context"
	"database/sql"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresStore struct {
	*sqlStore
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore initializes the required schema in the given database
// and returns a new PostgresStore.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	s, err := newSQLStore(ctx, db, postgresDialect)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{sqlStore: s}, nil
}
