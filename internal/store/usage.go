package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lazypower/tierkeeper/internal/model"
)

// AddUsageSnapshots appends one snapshot per tier in a single transaction.
func (db *DB) AddUsageSnapshots(ctx context.Context, snaps []model.UsageSnapshot) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshots: %w", err)
	}
	defer tx.Rollback()

	for _, s := range snaps {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO usage_snapshots (tier_id, taken_at, used_bytes, capacity_bytes, pct_used)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(tier_id, taken_at) DO NOTHING
		`, s.TierID, millis(s.TakenAt), s.UsedBytes, s.CapacityBytes, s.PctUsed)
		if err != nil {
			return fmt.Errorf("insert snapshot %s: %w", s.TierID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshots: %w", err)
	}
	return nil
}

// LatestSnapshots returns the newest snapshot of every tier.
func (db *DB) LatestSnapshots(ctx context.Context) ([]model.UsageSnapshot, error) {
	return db.querySnapshots(ctx, `
		SELECT s.tier_id, s.taken_at, s.used_bytes, s.capacity_bytes, s.pct_used
		FROM usage_snapshots s
		JOIN (SELECT tier_id, MAX(taken_at) AS taken_at FROM usage_snapshots GROUP BY tier_id) latest
			ON latest.tier_id = s.tier_id AND latest.taken_at = s.taken_at
		ORDER BY s.tier_id
	`)
}

// SnapshotHistory returns a tier's snapshots since a time, oldest first.
func (db *DB) SnapshotHistory(ctx context.Context, tierID string, since time.Time) ([]model.UsageSnapshot, error) {
	return db.querySnapshots(ctx, `
		SELECT tier_id, taken_at, used_bytes, capacity_bytes, pct_used
		FROM usage_snapshots WHERE tier_id = ? AND taken_at >= ?
		ORDER BY taken_at
	`, tierID, sinceMillis(since))
}

func (db *DB) querySnapshots(ctx context.Context, q string, args ...any) ([]model.UsageSnapshot, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []model.UsageSnapshot
	for rows.Next() {
		var (
			s     model.UsageSnapshot
			taken int64
		)
		if err := rows.Scan(&s.TierID, &taken, &s.UsedBytes, &s.CapacityBytes, &s.PctUsed); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		s.TakenAt = fromMillis(taken)
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}
