package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// checksumPrefix tags the digest algorithm so stored checksums stay
// unambiguous if the algorithm ever changes.
const checksumPrefix = "sha256:"

// Envelope is the metadata describing one stored record, independent of
// its content. CurrentTierID is the single source of truth for where the
// record lives.
type Envelope struct {
	RecordID        string     `json:"record_id" yaml:"record_id"`
	EntityType      string     `json:"entity_type" yaml:"entity_type"`
	CreatedAt       time.Time  `json:"created_at" yaml:"created_at"`
	LastAccessedAt  *time.Time `json:"last_accessed_at,omitempty" yaml:"last_accessed_at,omitempty"`
	SizeBytes       int64      `json:"size_bytes" yaml:"size_bytes"`
	CurrentTierID   string     `json:"current_tier_id" yaml:"current_tier_id"`
	ContentChecksum string     `json:"content_checksum" yaml:"content_checksum"`
	Version         int64      `json:"version" yaml:"version"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty" yaml:"deleted_at,omitempty"`
}

// Deleted reports whether the envelope is a tombstone.
func (e *Envelope) Deleted() bool {
	return e.DeletedAt != nil
}

// Age returns how old the record is at now.
func (e *Envelope) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// LastTouched returns the most recent of CreatedAt and LastAccessedAt.
func (e *Envelope) LastTouched() time.Time {
	if e.LastAccessedAt != nil && e.LastAccessedAt.After(e.CreatedAt) {
		return *e.LastAccessedAt
	}
	return e.CreatedAt
}

// Checksum returns the content digest used to verify copies.
func Checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return checksumPrefix + hex.EncodeToString(sum[:])
}
