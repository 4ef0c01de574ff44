package tier

import (
	"errors"
	"fmt"
)

// ErrNotFound means the record is not present in the tier.
var ErrNotFound = errors.New("record not found in tier")

// ErrCapacityExceeded means the tier cannot accept the write. Retrying will
// not create capacity.
var ErrCapacityExceeded = errors.New("tier capacity exceeded")

// TransientError wraps a backend failure worth retrying: timeouts, dropped
// connections, lock contention.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient backend error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err (or anything it wraps) is transient.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
