package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lazypower/tierkeeper/internal/model"
)

// AddAlert persists an alert and sets its ID.
func (db *DB) AddAlert(ctx context.Context, a *model.Alert) error {
	res, err := db.ExecContext(ctx, `
		INSERT INTO alerts (kind, severity, tier_id, message, raised_at)
		VALUES (?, ?, ?, ?, ?)
	`, string(a.Kind), string(a.Severity), nullString(a.TierID), a.Message, millis(a.RaisedAt))
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	a.ID, _ = res.LastInsertId()
	return nil
}

// AckAlert marks an alert acknowledged. It returns false if no such alert
// exists or it was already acknowledged.
func (db *DB) AckAlert(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE alerts SET acknowledged_at = ? WHERE id = ? AND acknowledged_at IS NULL
	`, millis(at), id)
	if err != nil {
		return false, fmt.Errorf("ack alert: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListAlerts returns the newest alerts first. With unacked set, only
// alerts nobody acknowledged are returned.
func (db *DB) ListAlerts(ctx context.Context, unacked bool, limit int) ([]model.Alert, error) {
	q := `SELECT id, kind, severity, COALESCE(tier_id, ''), message, raised_at, acknowledged_at FROM alerts`
	if unacked {
		q += ` WHERE acknowledged_at IS NULL`
	}
	q += ` ORDER BY raised_at DESC, id DESC LIMIT ?`
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []model.Alert
	for rows.Next() {
		var (
			a              model.Alert
			kind, severity string
			raised         int64
			acked          sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &kind, &severity, &a.TierID, &a.Message, &raised, &acked); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Kind = model.AlertKind(kind)
		a.Severity = model.Severity(severity)
		a.RaisedAt = fromMillis(raised)
		a.AcknowledgedAt = timePtr(acked)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
