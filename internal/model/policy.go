package model

import "time"

// Day is the unit lifecycle thresholds are expressed in.
const Day = 24 * time.Hour

// DefaultEntityType names the optional catch-all policy.
const DefaultEntityType = "*"

// Policy maps an entity type's age to a target tier. A nil DeleteAfterDays
// means the record is never deleted.
type Policy struct {
	EntityType        string `json:"entity_type" yaml:"entity_type"`
	CoreRetentionDays int    `json:"core_retention_days" yaml:"core_retention_days"`
	MainRetentionDays int    `json:"main_retention_days" yaml:"main_retention_days"`
	ArchiveAfterDays  int    `json:"archive_after_days" yaml:"archive_after_days"`
	DeleteAfterDays   *int   `json:"delete_after_days,omitempty" yaml:"delete_after_days,omitempty"`
	ExtendOnAccess    bool   `json:"extend_on_access" yaml:"extend_on_access"`
	// Builtin marks the fallback used when no policy matches. It never
	// migrates and flags records for review.
	Builtin bool `json:"builtin,omitempty" yaml:"builtin,omitempty"`
}

// Days converts a day count to a duration.
func Days(n int) time.Duration {
	return time.Duration(n) * Day
}
