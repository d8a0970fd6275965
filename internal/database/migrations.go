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
		name: "create render_jobs",
		sql: `CREATE TABLE IF NOT EXISTS render_jobs (
	id          text PRIMARY KEY,
	status      text NOT NULL,
	dictate     text NOT NULL,
	created_at  timestamptz NOT NULL,
	started_at  timestamptz,
	finished_at timestamptz,
	error       text,
	error_code  text,
	output_key  text,
	lines       jsonb,
	updated_at  timestamptz NOT NULL DEFAULT now()
)`,
		check: `SELECT EXISTS (SELECT FROM pg_tables WHERE schemaname = 'public' AND tablename = 'render_jobs')`,
	},
	{
		name:  "add render_jobs created_at index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_render_jobs_created ON render_jobs (created_at DESC)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_render_jobs_created')`,
	},
	{
		name:  "add render_jobs status index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_render_jobs_status ON render_jobs (status) WHERE status IN ('queued', 'running')`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_render_jobs_status')`,
	},
}

// Migrate runs all pending schema migrations.
// For each migration, it first checks whether the change is already present.
// If not, it attempts to apply it. A failed apply (e.g. insufficient
// privileges) is returned and should be treated as fatal.
func (db *DB) Migrate(ctx context.Context) error {
	pending := make([]migration, 0, len(migrations))
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
	b.WriteString("\nThen restart conjunx.")
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}
