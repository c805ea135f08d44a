package edgeplane

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Migration is one forward/backward schema step. Timestamps are stored as
// unix milliseconds so range comparisons happen in SQL.
type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS strategy_profiles (
	site_id TEXT NOT NULL,
	vps_fingerprint TEXT NOT NULL,
	strategy TEXT NOT NULL,
	ttl_seconds INTEGER NOT NULL,
	score REAL NOT NULL,
	component_scores TEXT NOT NULL,
	hard_gate_failures TEXT NOT NULL,
	metrics_snapshot TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (site_id, vps_fingerprint)
);

CREATE TABLE IF NOT EXISTS sandbox_requests (
	id TEXT PRIMARY KEY,
	scope TEXT NOT NULL,
	site_id TEXT NOT NULL,
	requested_by_agent TEXT NOT NULL,
	task_type TEXT NOT NULL,
	priority_base INTEGER NOT NULL CHECK(priority_base BETWEEN 1 AND 5),
	estimated_minutes INTEGER NOT NULL CHECK(estimated_minutes >= 1),
	earliest_start_at INTEGER,
	status TEXT NOT NULL CHECK(status IN ('queued','claimed','completed','failed','released')),
	claimed_by_agent TEXT,
	claimed_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sandbox_requests_scope_status
	ON sandbox_requests(scope, status, created_at);

CREATE TABLE IF NOT EXISTS sandbox_votes (
	request_id TEXT NOT NULL REFERENCES sandbox_requests(id) ON DELETE CASCADE,
	agent_id TEXT NOT NULL,
	vote INTEGER NOT NULL CHECK(vote BETWEEN -5 AND 5),
	reason TEXT,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (request_id, agent_id)
);

CREATE TABLE IF NOT EXISTS sandbox_allocations (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL REFERENCES sandbox_requests(id),
	sandbox_id TEXT NOT NULL,
	claimed_by_agent TEXT NOT NULL,
	start_at INTEGER NOT NULL,
	end_at INTEGER NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('active','released')),
	released_at INTEGER,
	CHECK(end_at > start_at)
);
CREATE INDEX IF NOT EXISTS idx_sandbox_allocations_window
	ON sandbox_allocations(sandbox_id, status, start_at, end_at);
CREATE INDEX IF NOT EXISTS idx_sandbox_allocations_request
	ON sandbox_allocations(request_id, status);

CREATE TABLE IF NOT EXISTS sandbox_conflicts (
	id TEXT PRIMARY KEY,
	scope TEXT NOT NULL,
	site_id TEXT NOT NULL,
	request_id TEXT REFERENCES sandbox_requests(id),
	agent_id TEXT NOT NULL,
	conflict_type TEXT NOT NULL,
	severity INTEGER NOT NULL CHECK(severity BETWEEN 1 AND 5),
	summary TEXT NOT NULL,
	details TEXT,
	blocked_by_request_id TEXT,
	sandbox_id TEXT,
	status TEXT NOT NULL CHECK(status IN ('open','resolved','dismissed')),
	resolution_note TEXT,
	resolved_by_agent TEXT,
	resolved_at INTEGER,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sandbox_conflicts_scope_status
	ON sandbox_conflicts(scope, status, created_at);

CREATE TABLE IF NOT EXISTS loadtest_samples (
	id TEXT PRIMARY KEY,
	site_id TEXT NOT NULL,
	worker_id TEXT NOT NULL,
	page_path TEXT NOT NULL,
	strategy TEXT NOT NULL,
	p50_ms REAL,
	p95_ms REAL NOT NULL,
	p99_ms REAL,
	hit_ratio REAL,
	purge_mttr_ms REAL,
	hard_gate_passed INTEGER NOT NULL CHECK(hard_gate_passed IN (0,1)),
	score REAL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_loadtest_samples_site
	ON loadtest_samples(site_id, created_at);
`,
		DownSQL: `
DROP TABLE IF EXISTS loadtest_samples;
DROP TABLE IF EXISTS sandbox_conflicts;
DROP TABLE IF EXISTS sandbox_allocations;
DROP TABLE IF EXISTS sandbox_votes;
DROP TABLE IF EXISTS sandbox_requests;
DROP TABLE IF EXISTS strategy_profiles;
`,
	},
}

// ApplyMigrations brings db up to the latest schema version. Each step runs
// in its own transaction together with its schema_migrations row.
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, CAST(strftime('%s','now') AS INTEGER) * 1000)`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// RollbackAll reverts every migration, newest first.
func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("unrecord migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration, 0 when none.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}
