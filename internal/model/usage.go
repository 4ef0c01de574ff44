package model

import "time"

// UsageSnapshot is one tier's usage at a point in time. Snapshots are
// superseded, never mutated.
type UsageSnapshot struct {
	TierID        string    `json:"tier_id"`
	UsedBytes     int64     `json:"used_bytes"`
	CapacityBytes int64     `json:"capacity_bytes"`
	PctUsed       float64   `json:"pct_used"`
	TakenAt       time.Time `json:"taken_at"`
}

// NewUsageSnapshot computes PctUsed. Unbounded tiers (capacity 0) report 0%.
func NewUsageSnapshot(tierID string, used, capacity int64, at time.Time) UsageSnapshot {
	s := UsageSnapshot{
		TierID:        tierID,
		UsedBytes:     used,
		CapacityBytes: capacity,
		TakenAt:       at,
	}
	if capacity > 0 {
		s.PctUsed = float64(used) / float64(capacity) * 100
	}
	return s
}
