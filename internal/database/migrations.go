package database

import (
	"context"
	"fmt"
	"strings"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

// migrations is the ordered list of schema migrations to apply.
// Each must be idempotent (use IF NOT EXISTS, IF EXISTS, etc.).
var migrations = []migration{
	{
		name: "create analyses",
		sql: `CREATE TABLE IF NOT EXISTS analyses (
    id                 bigserial PRIMARY KEY,
    sample_ref         uuid NOT NULL UNIQUE,
    session_id         text NOT NULL,
    source_kind        text NOT NULL,
    display_name       text NOT NULL,
    mime_type          text NOT NULL,
    size_bytes         bigint NOT NULL,
    duration_seconds   double precision,
    is_authentic       boolean NOT NULL,
    confidence_percent int NOT NULL CHECK (confidence_percent BETWEEN 0 AND 100),
    score              double precision,
    label              text,
    provider           text NOT NULL DEFAULT '',
    latency_ms         int NOT NULL DEFAULT 0,
    analyzed_at        timestamptz NOT NULL,
    created_at         timestamptz NOT NULL DEFAULT now()
)`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'analyses')`,
	},
	{
		name:  "add analyses.archive_key",
		sql:   `ALTER TABLE analyses ADD COLUMN IF NOT EXISTS archive_key text`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'analyses' AND column_name = 'archive_key')`,
	},
	{
		name:  "add analyses time index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_analyses_analyzed_at ON analyses (analyzed_at DESC)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_analyses_analyzed_at')`,
	},
	{
		name:  "add analyses session index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_analyses_session ON analyses (session_id, analyzed_at DESC)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_analyses_session')`,
	},
}

// Migrate runs all pending schema migrations.
// For each migration, it first checks whether the change is already present.
// If not, it attempts to apply it. A failed apply is returned as a
// *MigrationError; the history queries depend on the schema, so callers treat
// it as fatal.
func (db *DB) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		if m.check != "" {
			var exists bool
			if err := db.Pool.QueryRow(ctx, m.check).Scan(&exists); err == nil && exists {
				continue
			}
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		return nil
	}

	applied := 0
	for _, m := range pending {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return &MigrationError{
				failed:  m,
				pending: pending[applied:],
				err:     err,
			}
		}
		db.log.Info().Str("migration", m.name).Msg("schema migration applied")
		applied++
	}
	db.log.Info().Int("applied", applied).Msg("schema migrations complete")
	return nil
}

// MigrationError is returned when a migration fails.
// It includes the SQL needed to apply all remaining migrations manually.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %q failed: %v\n\n", e.failed.name, e.err)
	b.WriteString("Run the following SQL as a database superuser to fix this:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	b.WriteString("\nThen restart voice-sentinel.")
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}
