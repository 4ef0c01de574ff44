package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "record_envelopes and lifecycle_policies",
		SQL: `
CREATE TABLE record_envelopes (
    record_id        TEXT PRIMARY KEY,
    entity_type      TEXT NOT NULL,
    created_at       INTEGER NOT NULL,
    last_accessed_at INTEGER,
    size_bytes       INTEGER NOT NULL CHECK (size_bytes >= 0),
    current_tier_id  TEXT,
    content_checksum TEXT NOT NULL,
    version          INTEGER NOT NULL DEFAULT 1,
    deleted_at       INTEGER
);

CREATE INDEX idx_envelopes_tier   ON record_envelopes(current_tier_id);
CREATE INDEX idx_envelopes_access ON record_envelopes(current_tier_id, COALESCE(last_accessed_at, created_at));

CREATE TABLE lifecycle_policies (
    entity_type         TEXT PRIMARY KEY,
    core_retention_days INTEGER NOT NULL DEFAULT 0,
    main_retention_days INTEGER NOT NULL DEFAULT 0,
    archive_after_days  INTEGER NOT NULL DEFAULT 0,
    delete_after_days   INTEGER,
    extend_on_access    INTEGER NOT NULL DEFAULT 0,
    updated_at          INTEGER NOT NULL
);
`,
	},
	{
		Version:     2,
		Description: "migration_jobs and sync_log",
		SQL: `
CREATE TABLE migration_jobs (
    id                TEXT PRIMARY KEY,
    record_id         TEXT NOT NULL,
    from_tier         TEXT NOT NULL,
    to_tier           TEXT,
    is_delete         INTEGER NOT NULL DEFAULT 0,
    state             TEXT NOT NULL CHECK (state IN ('PENDING', 'COPYING', 'VERIFYING', 'COMMITTED', 'DELETING_SOURCE', 'DONE', 'FAILED')),
    attempt_count     INTEGER NOT NULL DEFAULT 0,
    checksum_failures INTEGER NOT NULL DEFAULT 0,
    last_error        TEXT,
    created_at        INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL
);

CREATE UNIQUE INDEX idx_jobs_one_active ON migration_jobs(record_id) WHERE state NOT IN ('DONE', 'FAILED');
CREATE INDEX idx_jobs_record ON migration_jobs(record_id, created_at DESC);
CREATE INDEX idx_jobs_state  ON migration_jobs(state);

CREATE TABLE sync_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT NOT NULL,
    record_id  TEXT NOT NULL,
    attempt    INTEGER NOT NULL,
    from_state TEXT,
    to_state   TEXT NOT NULL,
    error      TEXT,
    at         INTEGER NOT NULL,
    FOREIGN KEY (job_id) REFERENCES migration_jobs(id)
);

CREATE INDEX idx_sync_log_record ON sync_log(record_id, attempt);
CREATE INDEX idx_sync_log_job    ON sync_log(job_id, id);
CREATE INDEX idx_sync_log_at     ON sync_log(at);
`,
	},
	{
		Version:     3,
		Description: "usage_snapshots, alerts and sweep_runs",
		SQL: `
CREATE TABLE usage_snapshots (
    tier_id        TEXT NOT NULL,
    taken_at       INTEGER NOT NULL,
    used_bytes     INTEGER NOT NULL,
    capacity_bytes INTEGER NOT NULL,
    pct_used       REAL NOT NULL,
    PRIMARY KEY (tier_id, taken_at)
);

CREATE TABLE alerts (
    id              INTEGER PRIMARY KEY,
    kind            TEXT NOT NULL,
    severity        TEXT NOT NULL CHECK (severity IN ('warning', 'critical')),
    tier_id         TEXT,
    message         TEXT NOT NULL,
    raised_at       INTEGER NOT NULL,
    acknowledged_at INTEGER
);

CREATE INDEX idx_alerts_raised ON alerts(raised_at DESC);

CREATE TABLE sweep_runs (
    id          INTEGER PRIMARY KEY,
    kind        TEXT NOT NULL CHECK (kind IN ('scheduled', 'manual', 'emergency')),
    tier_id     TEXT,
    started_at  INTEGER NOT NULL,
    finished_at INTEGER NOT NULL,
    scanned     INTEGER NOT NULL DEFAULT 0,
    no_action   INTEGER NOT NULL DEFAULT 0,
    migrated    INTEGER NOT NULL DEFAULT 0,
    deleted     INTEGER NOT NULL DEFAULT 0,
    failed      INTEGER NOT NULL DEFAULT 0,
    skipped     INTEGER NOT NULL DEFAULT 0,
    resumed     INTEGER NOT NULL DEFAULT 0,
    review      TEXT
);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
