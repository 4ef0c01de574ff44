package model

import "time"

type SweepKind string

const (
	SweepScheduled SweepKind = "scheduled"
	SweepManual    SweepKind = "manual"
	SweepEmergency SweepKind = "emergency"
)

// ReviewItem is a record that needs a human decision.
type ReviewItem struct {
	RecordID   string `json:"record_id" yaml:"record_id"`
	EntityType string `json:"entity_type" yaml:"entity_type"`
	Reason     string `json:"reason" yaml:"reason"`
}

// SweepReport counts outcomes of one sweep.
type SweepReport struct {
	ID         int64        `json:"id,omitempty" yaml:"id,omitempty"`
	Kind       SweepKind    `json:"kind" yaml:"kind"`
	TierID     string       `json:"tier_id,omitempty" yaml:"tier_id,omitempty"`
	StartedAt  time.Time    `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time    `json:"finished_at" yaml:"finished_at"`
	Scanned    int          `json:"scanned" yaml:"scanned"`
	NoAction   int          `json:"no_action" yaml:"no_action"`
	Migrated   int          `json:"migrated" yaml:"migrated"`
	Deleted    int          `json:"deleted" yaml:"deleted"`
	Failed     int          `json:"failed" yaml:"failed"`
	Skipped    int          `json:"skipped" yaml:"skipped"`
	Resumed    int          `json:"resumed" yaml:"resumed"`
	Review     []ReviewItem `json:"review,omitempty" yaml:"review,omitempty"`
	FailedJobs []string     `json:"failed_jobs,omitempty" yaml:"failed_jobs,omitempty"`
}

// OK reports whether no job reached FAILED.
func (r *SweepReport) OK() bool {
	return r.Failed == 0
}
