package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS background_task (
		id          BIGSERIAL PRIMARY KEY,
		service     VARCHAR(255) NOT NULL,
		method      VARCHAR(255) NOT NULL,
		params      JSONB NOT NULL DEFAULT '{}'::jsonb,
		status      SMALLINT NOT NULL CHECK (status IN (-1, 0, 1, 2)),
		group_code  VARCHAR(255),
		priority    INTEGER NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		started_at  TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		run_after   TIMESTAMPTZ,
		last_error  TEXT,
		updated_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_background_task_poll
		ON background_task (status, group_code, priority DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_background_task_finished
		ON background_task (status, finished_at)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS background_task (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		service     VARCHAR(255) NOT NULL,
		method      VARCHAR(255) NOT NULL,
		params      TEXT NOT NULL DEFAULT '{}',
		status      SMALLINT NOT NULL CHECK (status IN (-1, 0, 1, 2)),
		group_code  VARCHAR(255),
		priority    INTEGER NOT NULL,
		created_at  DATETIME NOT NULL,
		started_at  DATETIME,
		finished_at DATETIME,
		run_after   DATETIME,
		last_error  TEXT,
		updated_at  DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_background_task_poll
		ON background_task (status, group_code, priority DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_background_task_finished
		ON background_task (status, finished_at)`,
}

// MigratePostgres creates the task table and its indexes if missing.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i+1, err)
		}
	}
	return nil
}

func MigrateSQLite(ctx context.Context, conn *sql.DB) error {
	for i, stmt := range sqliteSchema {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i+1, err)
		}
	}
	return nil
}
