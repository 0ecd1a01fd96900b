package postgres

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS %[1]s (
	id                   TEXT PRIMARY KEY,
	type                 TEXT NOT NULL,
	status               TEXT NOT NULL,
	arguments            JSONB NOT NULL DEFAULT '{}'::jsonb,
	hash                 TEXT NOT NULL,
	started_at           TIMESTAMPTZ,
	completed_at         TIMESTAMPTZ,
	failed_at            TIMESTAMPTZ,
	failed_error_message TEXT,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS %[1]s_type_hash_created_idx ON %[1]s (type, hash, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS %[1]s_hash_idx ON %[1]s (hash)`,
}

// Migrate creates the ledger table and its indexes. It is safe to run repeatedly.
func (s *RunStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(stmt, s.table)); err != nil {
			return fmt.Errorf("migrate %s: %w", s.table, err)
		}
	}
	return nil
}
