package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lazypower/tierkeeper/internal/model"
)

const jobColumns = `id, record_id, from_tier, COALESCE(to_tier, ''), is_delete, state,
	attempt_count, checksum_failures, COALESCE(last_error, ''), created_at, updated_at`

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		j                model.Job
		isDelete         int
		state            string
		created, updated int64
	)
	err := row.Scan(&j.ID, &j.RecordID, &j.FromTier, &j.ToTier, &isDelete, &state,
		&j.AttemptCount, &j.ChecksumFailures, &j.LastError, &created, &updated)
	if err != nil {
		return nil, err
	}
	j.Delete = isDelete != 0
	j.State = model.JobState(state)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	return &j, nil
}

// CreateJob inserts a PENDING job and its first sync log entry. It returns
// ErrActiveJob if the record already has a non-terminal job.
func (db *DB) CreateJob(ctx context.Context, j *model.Job) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create job: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO migration_jobs (id, record_id, from_tier, to_tier, is_delete, state,
			attempt_count, checksum_failures, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.RecordID, j.FromTier, nullString(j.ToTier), boolInt(j.Delete), string(j.State),
		j.AttemptCount, j.ChecksumFailures, nullString(j.LastError), millis(j.CreatedAt), millis(j.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrActiveJob
		}
		return fmt.Errorf("insert job: %w", err)
	}
	if err := appendLog(ctx, tx, j, "", ""); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create job: %w", err)
	}
	return nil
}

// TransitionJob persists j's new state, counters and error, guarded by the
// state it is leaving, and appends the matching sync log entry in the same
// transaction.
func (db *DB) TransitionJob(ctx context.Context, j *model.Job, from model.JobState, errMsg string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	if err := updateJob(ctx, tx, j, from); err != nil {
		return err
	}
	if err := appendLog(ctx, tx, j, from, errMsg); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// CommitJob moves j to COMMITTED and reassigns the envelope in one
// transaction. A migration points the envelope at ToTier and bumps its
// version; a deletion tombstones it. ErrStaleEnvelope is returned if the
// envelope no longer names FromTier.
func (db *DB) CommitJob(ctx context.Context, j *model.Job, from model.JobState) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	now := millis(j.UpdatedAt)
	var res sql.Result
	if j.Delete {
		res, err = tx.ExecContext(ctx, `
			UPDATE record_envelopes
			SET deleted_at = ?, current_tier_id = NULL, version = version + 1
			WHERE record_id = ? AND current_tier_id = ? AND deleted_at IS NULL
		`, now, j.RecordID, j.FromTier)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE record_envelopes
			SET current_tier_id = ?, version = version + 1
			WHERE record_id = ? AND current_tier_id = ? AND deleted_at IS NULL
		`, j.ToTier, j.RecordID, j.FromTier)
	}
	if err != nil {
		return fmt.Errorf("reassign envelope: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleEnvelope
	}

	if err := updateJob(ctx, tx, j, from); err != nil {
		return err
	}
	if err := appendLog(ctx, tx, j, from, ""); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit job: %w", err)
	}
	return nil
}

func updateJob(ctx context.Context, tx *sql.Tx, j *model.Job, from model.JobState) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE migration_jobs
		SET state = ?, attempt_count = ?, checksum_failures = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`, string(j.State), j.AttemptCount, j.ChecksumFailures, nullString(j.LastError), millis(j.UpdatedAt), j.ID, string(from))
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update job %s: not in state %s", j.ID, from)
	}
	return nil
}

func appendLog(ctx context.Context, tx *sql.Tx, j *model.Job, from model.JobState, errMsg string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_log (job_id, record_id, attempt, from_state, to_state, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.RecordID, j.AttemptCount, nullString(string(from)), string(j.State), nullString(errMsg), millis(j.UpdatedAt))
	if err != nil {
		return fmt.Errorf("append sync log: %w", err)
	}
	return nil
}

// GetJob returns a job by id, or nil.
func (db *DB) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanJob(db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM migration_jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ActiveJob returns the record's non-terminal job, or nil.
func (db *DB) ActiveJob(ctx context.Context, recordID string) (*model.Job, error) {
	j, err := scanJob(db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM migration_jobs
		WHERE record_id = ? AND state NOT IN ('DONE', 'FAILED')
	`, recordID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active job: %w", err)
	}
	return j, nil
}

// LatestJob returns the record's most recent job in the given state, or nil.
func (db *DB) LatestJob(ctx context.Context, recordID string, state model.JobState) (*model.Job, error) {
	j, err := scanJob(db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM migration_jobs
		WHERE record_id = ? AND state = ?
		ORDER BY updated_at DESC, created_at DESC
		LIMIT 1
	`, recordID, string(state)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest job: %w", err)
	}
	return j, nil
}

// ListActiveJobs returns every non-terminal job, oldest first.
func (db *DB) ListActiveJobs(ctx context.Context) ([]*model.Job, error) {
	return db.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM migration_jobs
		WHERE state NOT IN ('DONE', 'FAILED')
		ORDER BY created_at, id
	`)
}

// JobFilter narrows ListJobs. Zero fields match everything.
type JobFilter struct {
	RecordID string
	State    model.JobState
	Limit    int
}

// ListJobs returns jobs matching f, newest first.
func (db *DB) ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.RecordID != "" {
		where = append(where, "record_id = ?")
		args = append(args, f.RecordID)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	q := `SELECT ` + jobColumns + ` FROM migration_jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)
	return db.queryJobs(ctx, q, args...)
}

func (db *DB) queryJobs(ctx context.Context, q string, args ...any) ([]*model.Job, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// sinceMillis maps a zero time to the epoch.
func sinceMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
