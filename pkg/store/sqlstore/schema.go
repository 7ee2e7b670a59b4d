package sqlstore

import (
	"context"
	"fmt"
)

// SchemaVersion is the current schema revision.
const SchemaVersion = 2

// Migrate creates (or upgrades) the schema in-place.
//
// Column types are chosen so the same DDL is valid on SQLite and Postgres.
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			owner TEXT,
			current_stage TEXT,
			brief_json TEXT NOT NULL,
			completed_stages_json TEXT NOT NULL,
			budget_limit DOUBLE PRECISION NOT NULL,
			actual_cost DOUBLE PRECISION NOT NULL,
			tokens_used BIGINT NOT NULL,
			failure_json TEXT,
			event_seq BIGINT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			started_at TEXT,
			ended_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);`,

		`CREATE TABLE IF NOT EXISTS artifacts (
			artifact_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			artifact_type TEXT NOT NULL,
			unit_key TEXT NOT NULL,
			version INTEGER NOT NULL,
			content TEXT NOT NULL,
			agent TEXT,
			model TEXT,
			tier INTEGER,
			quality_json TEXT,
			created_at TEXT NOT NULL,
			UNIQUE(job_id, artifact_type, unit_key, version)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_job_id ON artifacts(job_id);`,

		`CREATE TABLE IF NOT EXISTS cost_snapshots (
			snapshot_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			stage TEXT,
			unit_key TEXT,
			agent TEXT,
			task TEXT,
			model TEXT,
			tier INTEGER,
			tokens_in BIGINT NOT NULL,
			tokens_out BIGINT NOT NULL,
			cost DOUBLE PRECISION NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(job_id, seq)
		);`,

		`CREATE TABLE IF NOT EXISTS job_locks (
			job_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			acquired_at TEXT NOT NULL,
			heartbeat_at TEXT
		);`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
			job_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY(job_id, seq)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	if current > SchemaVersion {
		return fmt.Errorf("store schema version %d is newer than supported %d", current, SchemaVersion)
	}
	if current == 1 {
		// v2: lock lease.
		if _, err := tx.ExecContext(ctx, `ALTER TABLE job_locks ADD COLUMN heartbeat_at TEXT`); err != nil {
			return fmt.Errorf("add job_locks.heartbeat_at: %w", err)
		}
	}
	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(`UPDATE schema_meta SET schema_version=? WHERE id=1`), SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
