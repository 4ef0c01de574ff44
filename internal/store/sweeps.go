package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lazypower/tierkeeper/internal/model"
)

// RecordSweep persists a finished sweep report and sets its ID.
func (db *DB) RecordSweep(ctx context.Context, r *model.SweepReport) error {
	var review sql.NullString
	if len(r.Review) > 0 {
		b, err := json.Marshal(r.Review)
		if err != nil {
			return fmt.Errorf("marshal review list: %w", err)
		}
		review = sql.NullString{String: string(b), Valid: true}
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO sweep_runs (kind, tier_id, started_at, finished_at, scanned, no_action,
			migrated, deleted, failed, skipped, resumed, review)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(r.Kind), nullString(r.TierID), millis(r.StartedAt), millis(r.FinishedAt), r.Scanned, r.NoAction,
		r.Migrated, r.Deleted, r.Failed, r.Skipped, r.Resumed, review)
	if err != nil {
		return fmt.Errorf("insert sweep run: %w", err)
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

// ListSweeps returns recent sweeps, newest first.
func (db *DB) ListSweeps(ctx context.Context, limit int) ([]model.SweepReport, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, kind, COALESCE(tier_id, ''), started_at, finished_at, scanned, no_action,
			migrated, deleted, failed, skipped, resumed, review
		FROM sweep_runs ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sweeps: %w", err)
	}
	defer rows.Close()

	var reports []model.SweepReport
	for rows.Next() {
		var (
			r                 model.SweepReport
			kind              string
			started, finished int64
			review            sql.NullString
		)
		if err := rows.Scan(&r.ID, &kind, &r.TierID, &started, &finished, &r.Scanned, &r.NoAction,
			&r.Migrated, &r.Deleted, &r.Failed, &r.Skipped, &r.Resumed, &review); err != nil {
			return nil, fmt.Errorf("scan sweep: %w", err)
		}
		r.Kind = model.SweepKind(kind)
		r.StartedAt = fromMillis(started)
		r.FinishedAt = fromMillis(finished)
		if review.Valid {
			if err := json.Unmarshal([]byte(review.String), &r.Review); err != nil {
				return nil, fmt.Errorf("unmarshal review list: %w", err)
			}
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}
