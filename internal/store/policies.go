package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lazypower/tierkeeper/internal/model"
)

// UpsertPolicy inserts or replaces the policy for an entity type.
func (db *DB) UpsertPolicy(ctx context.Context, p model.Policy) error {
	var del sql.NullInt64
	if p.DeleteAfterDays != nil {
		del = sql.NullInt64{Int64: int64(*p.DeleteAfterDays), Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO lifecycle_policies (entity_type, core_retention_days, main_retention_days,
			archive_after_days, delete_after_days, extend_on_access, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type) DO UPDATE SET
			core_retention_days = excluded.core_retention_days,
			main_retention_days = excluded.main_retention_days,
			archive_after_days  = excluded.archive_after_days,
			delete_after_days   = excluded.delete_after_days,
			extend_on_access    = excluded.extend_on_access,
			updated_at          = excluded.updated_at
	`, p.EntityType, p.CoreRetentionDays, p.MainRetentionDays, p.ArchiveAfterDays, del,
		boolInt(p.ExtendOnAccess), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert policy %s: %w", p.EntityType, err)
	}
	return nil
}

const policyColumns = `entity_type, core_retention_days, main_retention_days, archive_after_days,
	delete_after_days, extend_on_access`

func scanPolicy(row rowScanner) (model.Policy, error) {
	var (
		p      model.Policy
		del    sql.NullInt64
		extend int
	)
	if err := row.Scan(&p.EntityType, &p.CoreRetentionDays, &p.MainRetentionDays, &p.ArchiveAfterDays, &del, &extend); err != nil {
		return model.Policy{}, err
	}
	if del.Valid {
		n := int(del.Int64)
		p.DeleteAfterDays = &n
	}
	p.ExtendOnAccess = extend != 0
	return p, nil
}

// GetPolicy returns the stored policy for an entity type, or nil.
func (db *DB) GetPolicy(ctx context.Context, entityType string) (*model.Policy, error) {
	row := db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM lifecycle_policies WHERE entity_type = ?`, entityType)
	p, err := scanPolicy(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get policy: %w", err)
	}
	return &p, nil
}

// ListPolicies returns every stored policy ordered by entity type.
func (db *DB) ListPolicies(ctx context.Context) ([]model.Policy, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+policyColumns+` FROM lifecycle_policies ORDER BY entity_type`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var ps []model.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		ps = append(ps, p)
	}
	return ps, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
