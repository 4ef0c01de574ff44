package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lazypower/tierkeeper/internal/model"
)

const logColumns = `id, job_id, record_id, attempt, COALESCE(from_state, ''), to_state, COALESCE(error, ''), at`

// RecordLog returns every sync log entry for a record in append order.
func (db *DB) RecordLog(ctx context.Context, recordID string) ([]model.SyncLogEntry, error) {
	return db.queryLog(ctx, `SELECT `+logColumns+` FROM sync_log WHERE record_id = ? ORDER BY id`, recordID)
}

// JobLog returns a job's transitions in append order.
func (db *DB) JobLog(ctx context.Context, jobID string) ([]model.SyncLogEntry, error) {
	return db.queryLog(ctx, `SELECT `+logColumns+` FROM sync_log WHERE job_id = ? ORDER BY id`, jobID)
}

func (db *DB) queryLog(ctx context.Context, q string, args ...any) ([]model.SyncLogEntry, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query sync log: %w", err)
	}
	defer rows.Close()

	var entries []model.SyncLogEntry
	for rows.Next() {
		var (
			e        model.SyncLogEntry
			from, to string
			at       int64
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.RecordID, &e.Attempt, &from, &to, &e.Error, &at); err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		e.FromState = model.JobState(from)
		e.ToState = model.JobState(to)
		e.At = fromMillis(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SyncStats summarises jobs finished and transitions logged since a time.
func (db *DB) SyncStats(ctx context.Context, since time.Time) (model.SyncStats, error) {
	stats := model.SyncStats{Since: since}
	from := sinceMillis(since)

	err := db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN state = 'DONE' AND updated_at >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'FAILED' AND updated_at >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state NOT IN ('DONE', 'FAILED') THEN 1 ELSE 0 END), 0)
		FROM migration_jobs
	`, from, from).Scan(&stats.Done, &stats.Failed, &stats.Active)
	if err != nil {
		return stats, fmt.Errorf("job stats: %w", err)
	}

	var errs sql.NullInt64
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(CASE WHEN error IS NOT NULL THEN 1 ELSE 0 END)
		FROM sync_log WHERE at >= ?
	`, from).Scan(&stats.Transitions, &errs)
	if err != nil {
		return stats, fmt.Errorf("log stats: %w", err)
	}
	stats.Errors = int(errs.Int64)
	return stats, nil
}
