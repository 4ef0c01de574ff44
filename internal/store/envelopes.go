package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lazypower/tierkeeper/internal/model"
)

const envelopeColumns = `record_id, entity_type, created_at, last_accessed_at, size_bytes,
	COALESCE(current_tier_id, ''), content_checksum, version, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (model.Envelope, error) {
	var (
		env       model.Envelope
		created   int64
		accessed  sql.NullInt64
		deletedAt sql.NullInt64
	)
	err := row.Scan(&env.RecordID, &env.EntityType, &created, &accessed, &env.SizeBytes,
		&env.CurrentTierID, &env.ContentChecksum, &env.Version, &deletedAt)
	if err != nil {
		return model.Envelope{}, err
	}
	env.CreatedAt = fromMillis(created)
	env.LastAccessedAt = timePtr(accessed)
	env.DeletedAt = timePtr(deletedAt)
	return env, nil
}

// InsertEnvelope records a new envelope. Version starts at 1 when unset.
func (db *DB) InsertEnvelope(ctx context.Context, env model.Envelope) error {
	if env.Version == 0 {
		env.Version = 1
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO record_envelopes (record_id, entity_type, created_at, last_accessed_at, size_bytes,
			current_tier_id, content_checksum, version, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, env.RecordID, env.EntityType, millis(env.CreatedAt), nullMillis(env.LastAccessedAt), env.SizeBytes,
		nullString(env.CurrentTierID), env.ContentChecksum, env.Version, nullMillis(env.DeletedAt))
	if err != nil {
		return fmt.Errorf("insert envelope %s: %w", env.RecordID, err)
	}
	return nil
}

// GetEnvelope returns an envelope by record id, or nil if absent.
// Tombstones are returned too; callers check Deleted().
func (db *DB) GetEnvelope(ctx context.Context, recordID string) (*model.Envelope, error) {
	row := db.QueryRowContext(ctx, `SELECT `+envelopeColumns+` FROM record_envelopes WHERE record_id = ?`, recordID)
	env, err := scanEnvelope(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get envelope: %w", err)
	}
	return &env, nil
}

// ListEnvelopes returns up to limit live envelopes with record_id greater
// than afterID, ordered by record_id. Pass the last id of one page as
// afterID to fetch the next.
func (db *DB) ListEnvelopes(ctx context.Context, afterID string, limit int) ([]model.Envelope, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+envelopeColumns+` FROM record_envelopes
		WHERE deleted_at IS NULL AND record_id > ?
		ORDER BY record_id
		LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list envelopes: %w", err)
	}
	return collectEnvelopes(rows)
}

// ListEnvelopesInTier returns up to limit live envelopes in a tier, least
// recently touched first. Records never accessed sort by creation time.
func (db *DB) ListEnvelopesInTier(ctx context.Context, tierID string, limit int) ([]model.Envelope, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+envelopeColumns+` FROM record_envelopes
		WHERE deleted_at IS NULL AND current_tier_id = ?
		ORDER BY COALESCE(last_accessed_at, created_at), record_id
		LIMIT ?
	`, tierID, limit)
	if err != nil {
		return nil, fmt.Errorf("list envelopes in tier %s: %w", tierID, err)
	}
	return collectEnvelopes(rows)
}

func collectEnvelopes(rows *sql.Rows) ([]model.Envelope, error) {
	defer rows.Close()
	var envs []model.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// TouchEnvelope records an access. It never moves last_accessed_at back.
func (db *DB) TouchEnvelope(ctx context.Context, recordID string, at time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE record_envelopes
		SET last_accessed_at = MAX(COALESCE(last_accessed_at, 0), ?)
		WHERE record_id = ? AND deleted_at IS NULL
	`, millis(at), recordID)
	if err != nil {
		return fmt.Errorf("touch envelope: %w", err)
	}
	return nil
}

// UsageByTier sums size_bytes of live envelopes per tier.
func (db *DB) UsageByTier(ctx context.Context) (map[string]int64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT current_tier_id, SUM(size_bytes) FROM record_envelopes
		WHERE deleted_at IS NULL AND current_tier_id IS NOT NULL
		GROUP BY current_tier_id
	`)
	if err != nil {
		return nil, fmt.Errorf("usage by tier: %w", err)
	}
	defer rows.Close()

	usage := make(map[string]int64)
	for rows.Next() {
		var (
			tierID string
			used   int64
		)
		if err := rows.Scan(&tierID, &used); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		usage[tierID] = used
	}
	return usage, rows.Err()
}

// CountEnvelopes returns the number of live envelopes per tier.
func (db *DB) CountEnvelopes(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT current_tier_id, COUNT(*) FROM record_envelopes
		WHERE deleted_at IS NULL AND current_tier_id IS NOT NULL
		GROUP BY current_tier_id
	`)
	if err != nil {
		return nil, fmt.Errorf("count envelopes: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			tierID string
			n      int
		)
		if err := rows.Scan(&tierID, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[tierID] = n
	}
	return counts, rows.Err()
}
