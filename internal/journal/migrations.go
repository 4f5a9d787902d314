package journal

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
		name: "create speech_generations",
		sql: `CREATE TABLE IF NOT EXISTS speech_generations (
    id              bigserial PRIMARY KEY,
    session_id      text NOT NULL,
    provider        text NOT NULL,
    voice_id        text NOT NULL,
    model_id        text NOT NULL,
    text_length     int NOT NULL,
    attempts        int NOT NULL,
    generation_ms   double precision NOT NULL,
    sample_rate     int NOT NULL,
    channels        int NOT NULL,
    cached          boolean NOT NULL DEFAULT false,
    "time"          timestamptz NOT NULL
)`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'speech_generations')`,
	},
	{
		name: "create sync_incidents",
		sql: `CREATE TABLE IF NOT EXISTS sync_incidents (
    id              bigserial PRIMARY KEY,
    session_id      text NOT NULL,
    audio_time      double precision NOT NULL,
    expected_index  int NOT NULL,
    actual_index    int NOT NULL,
    drift_ms        double precision NOT NULL,
    quality         text NOT NULL,
    corrected       boolean NOT NULL,
    message         text NOT NULL,
    "time"          timestamptz NOT NULL
)`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'sync_incidents')`,
	},
	{
		name: "create engine_errors",
		sql: `CREATE TABLE IF NOT EXISTS engine_errors (
    id              bigserial PRIMARY KEY,
    session_id      text NOT NULL,
    kind            text NOT NULL,
    message         text NOT NULL,
    "time"          timestamptz NOT NULL
)`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'engine_errors')`,
	},
	{
		name:  "add sync_incidents time index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_sync_incidents_time ON sync_incidents ("time" DESC)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_sync_incidents_time')`,
	},
	{
		name:  "add speech_generations session index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_speech_generations_session ON speech_generations (session_id, "time" DESC)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_speech_generations_session')`,
	},
}

// Migrate runs all pending schema migrations.
// For each migration, it first checks whether the change is already present.
// If not, it attempts to apply it. A failed apply is returned as a
// *MigrationError; the caller should treat it as fatal since the recorder
// writes to these tables.
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
	b.WriteString("\nThen restart readalong.")
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}
