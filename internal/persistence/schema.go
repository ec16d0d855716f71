package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order; the database's user_version records how
// many have run. Append new steps, never edit old ones.
//
// Times are unix nanoseconds. A NULL job time means the job never reached
// that point.
var migrations = []string{
	`CREATE TABLE runs (
		id TEXT PRIMARY KEY,
		targets TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		ok INTEGER NOT NULL,
		cancelled INTEGER NOT NULL,
		succeeded INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		skipped INTEGER NOT NULL,
		upstream_failed INTEGER NOT NULL,
		cancelled_jobs INTEGER NOT NULL
	);
	CREATE INDEX idx_runs_started_at ON runs(started_at);

	CREATE TABLE job_results (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		job_id TEXT NOT NULL,
		rule TEXT NOT NULL,
		position INTEGER NOT NULL,
		status TEXT NOT NULL,
		stale INTEGER NOT NULL,
		stale_reason TEXT NOT NULL,
		outputs TEXT NOT NULL,
		error TEXT NOT NULL,
		dispatched_at INTEGER,
		finished_at INTEGER,
		PRIMARY KEY (run_id, job_id)
	);
	CREATE INDEX idx_job_results_job_id ON job_results(job_id);`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	if version > len(migrations) {
		return fmt.Errorf("database is at version %d, this build knows %d", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		if err := applyMigration(ctx, db, i+1, migrations[i]); err != nil {
			return fmt.Errorf("version %d: %w", i+1, err)
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, version int, stmt string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return err
	}
	// PRAGMA does not take bind parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return err
	}
	return tx.Commit()
}
