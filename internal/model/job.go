package model

import "time"

// JobState is a migration job's position in the state machine.
type JobState string

const (
	StatePending        JobState = "PENDING"
	StateCopying        JobState = "COPYING"
	StateVerifying      JobState = "VERIFYING"
	StateCommitted      JobState = "COMMITTED"
	StateDeletingSource JobState = "DELETING_SOURCE"
	StateDone           JobState = "DONE"
	StateFailed         JobState = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// AllStates lists every state in machine order.
var AllStates = []JobState{
	StatePending, StateCopying, StateVerifying, StateCommitted,
	StateDeletingSource, StateDone, StateFailed,
}

// Job is one record's migration between tiers. Delete jobs have no ToTier.
type Job struct {
	ID               string    `json:"id"`
	RecordID         string    `json:"record_id"`
	FromTier         string    `json:"from_tier"`
	ToTier           string    `json:"to_tier,omitempty"`
	Delete           bool      `json:"delete,omitempty"`
	State            JobState  `json:"state"`
	AttemptCount     int       `json:"attempt_count"`
	ChecksumFailures int       `json:"checksum_failures"`
	LastError        string    `json:"last_error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SyncLogEntry is appended once per job state transition and never changed.
type SyncLogEntry struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	RecordID  string    `json:"record_id"`
	Attempt   int       `json:"attempt"`
	FromState JobState  `json:"from_state"`
	ToState   JobState  `json:"to_state"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// SyncStats summarises sync activity over a window.
type SyncStats struct {
	Since       time.Time `json:"since"`
	Done        int       `json:"done"`
	Failed      int       `json:"failed"`
	Active      int       `json:"active"`
	Transitions int       `json:"transitions"`
	Errors      int       `json:"errors"`
}

// SuccessRate returns Done / (Done + Failed), or 1 when nothing finished.
func (s SyncStats) SuccessRate() float64 {
	total := s.Done + s.Failed
	if total == 0 {
		return 1
	}
	return float64(s.Done) / float64(total)
}
