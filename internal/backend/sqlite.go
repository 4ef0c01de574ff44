package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lazypower/tierkeeper/internal/model"
	"github.com/lazypower/tierkeeper/internal/tier"
)

const objectsSchema = `
CREATE TABLE IF NOT EXISTS tier_objects (
    record_id  TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL,
    envelope   TEXT NOT NULL,
    content    BLOB NOT NULL,
    size_bytes INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tier_objects_created ON tier_objects(created_at);
`

// SQLiteStore keeps a tier's records in their own SQLite file, separate
// from the state database.
type SQLiteStore struct {
	db    *sql.DB
	quota int64
}

// OpenSQLite opens (or creates) a SQLite-backed tier store. Use ":memory:"
// for a throwaway store.
func OpenSQLite(path string, quota int64) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create sqlite tier dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite tier: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, p := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(objectsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tier_objects: %w", err)
	}
	return &SQLiteStore{db: db, quota: quota}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, env model.Envelope, content []byte) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite("put", err)
	}
	defer tx.Rollback()

	if s.quota > 0 {
		var used int64
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(size_bytes), 0) FROM tier_objects WHERE record_id != ?`, env.RecordID,
		).Scan(&used)
		if err != nil {
			return classifySQLite("put", err)
		}
		if used+int64(len(content)) > s.quota {
			return tier.ErrCapacityExceeded
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tier_objects (record_id, created_at, envelope, content, size_bytes)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET
			created_at = excluded.created_at,
			envelope   = excluded.envelope,
			content    = excluded.content,
			size_bytes = excluded.size_bytes
	`, env.RecordID, env.CreatedAt.UnixMilli(), string(raw), content, len(content))
	if err != nil {
		return classifySQLite("put", err)
	}
	if err := tx.Commit(); err != nil {
		return classifySQLite("put", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, recordID string) (model.Envelope, []byte, error) {
	var (
		raw     string
		content []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT envelope, content FROM tier_objects WHERE record_id = ?`, recordID,
	).Scan(&raw, &content)
	if err == sql.ErrNoRows {
		return model.Envelope{}, nil, tier.ErrNotFound
	}
	if err != nil {
		return model.Envelope{}, nil, classifySQLite("get", err)
	}
	var env model.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return model.Envelope{}, nil, fmt.Errorf("decode envelope %s: %w", recordID, err)
	}
	return env, content, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, recordID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tier_objects WHERE record_id = ?`, recordID); err != nil {
		return classifySQLite("delete", err)
	}
	return nil
}

// ListSince collects matching envelopes before yielding so callers may
// write to the store while iterating.
func (s *SQLiteStore) ListSince(ctx context.Context, since time.Time) iter.Seq2[model.Envelope, error] {
	rows, err := s.db.QueryContext(ctx, `
		SELECT envelope FROM tier_objects WHERE created_at >= ? ORDER BY record_id
	`, since.UnixMilli())
	if err != nil {
		return yieldErr(classifySQLite("list", err))
	}
	defer rows.Close()

	var envs []model.Envelope
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return yieldErr(fmt.Errorf("scan envelope: %w", err))
		}
		var env model.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return yieldErr(fmt.Errorf("decode envelope: %w", err))
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return yieldErr(classifySQLite("list", err))
	}
	return yieldAll(ctx, envs)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// classifySQLite maps driver errors onto the tier error taxonomy.
func classifySQLite(op string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "database or disk is full"):
		return tier.ErrCapacityExceeded
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "database is busy"),
		errors.Is(err, context.DeadlineExceeded):
		return tier.Transient(op, err)
	}
	return fmt.Errorf("sqlite tier %s: %w", op, err)
}
