package syncer

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownRecord means no live envelope exists for the record.
	ErrUnknownRecord = errors.New("unknown record")
	// ErrWrongSourceTier means the envelope is not in the tier a caller
	// asked to migrate from.
	ErrWrongSourceTier = errors.New("record is not in source tier")
	// ErrSameTier means source and target are the same tier.
	ErrSameTier = errors.New("source and target tier are the same")
)

// ChecksumMismatchError means a copy read back with different content than
// the envelope describes. It is retried, under a smaller budget than
// transient backend errors.
type ChecksumMismatchError struct {
	RecordID string
	TierID   string
	Want     string
	Got      string
}

func (e *ChecksumMismatchError) Error() string {
	if e.Got == "" {
		return fmt.Sprintf("checksum mismatch for %s in %s: copy missing", e.RecordID, e.TierID)
	}
	return fmt.Sprintf("checksum mismatch for %s in %s: want %s, got %s", e.RecordID, e.TierID, e.Want, e.Got)
}

// IsChecksumMismatch reports whether err is or wraps a ChecksumMismatchError.
func IsChecksumMismatch(err error) bool {
	var ce *ChecksumMismatchError
	return errors.As(err, &ce)
}
