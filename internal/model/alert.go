package model

import "time"

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type AlertKind string

const (
	AlertCapacity         AlertKind = "capacity"
	AlertMigrationFailed  AlertKind = "migration_failed"
	AlertCapacityExceeded AlertKind = "capacity_exceeded"
	AlertSweepFailures    AlertKind = "sweep_failures"
)

// Alert is a threshold crossing or failure worth notifying about.
type Alert struct {
	ID             int64      `json:"id,omitempty"`
	Kind           AlertKind  `json:"kind"`
	Severity       Severity   `json:"severity"`
	TierID         string     `json:"tier_id,omitempty"`
	Message        string     `json:"message"`
	RaisedAt       time.Time  `json:"raised_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// DedupKey groups alerts of the same kind for the same tier.
func (a Alert) DedupKey() string {
	return string(a.Kind) + "/" + a.TierID + "/" + string(a.Severity)
}
