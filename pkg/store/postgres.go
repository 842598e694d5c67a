package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS ownables (
	id TEXT PRIMARY KEY,
	package_cid TEXT NOT NULL,
	chain JSONB NOT NULL,
	applied_hash TEXT NOT NULL DEFAULT '',
	updated_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS state_dumps (
	ownable_id TEXT NOT NULL,
	package_cid TEXT NOT NULL,
	state_hash TEXT NOT NULL,
	dump JSONB NOT NULL,
	digest TEXT NOT NULL,
	PRIMARY KEY (ownable_id, package_cid, state_hash)
);
CREATE INDEX IF NOT EXISTS state_dumps_ownable_idx ON state_dumps (ownable_id);
`

// PostgresStore is the server ChainStore.
type PostgresStore struct {
	sqlStore
}

// OpenPostgres connects to dsn and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewPostgresStore(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{sqlStore{db: db, numbered: true}}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
