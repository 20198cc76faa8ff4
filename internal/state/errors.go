package state

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a row addressed by its primary key is absent.
	ErrNotFound = errors.New("state: not found")
	// ErrCorrelationKeyActive is returned by MarkActive when an instance is
	// already active for the correlation key.
	ErrCorrelationKeyActive = errors.New("state: correlation key already has an active instance")
	// ErrIllegalTransition is returned when a process subscription would move
	// along an edge outside OPENING -> OPENED -> CLOSING.
	ErrIllegalTransition = errors.New("state: illegal subscription state transition")
	// ErrIndexInconsistency marks a secondary index row without its primary row.
	ErrIndexInconsistency = errors.New("state: index inconsistency")
)

// InconsistencyError reports a secondary index row whose primary row is
// missing. It is fatal for the partition and never retried.
type InconsistencyError struct {
	Index   string
	Primary string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("state: index %s references missing %s", e.Index, e.Primary)
}

func (e *InconsistencyError) Unwrap() error { return ErrIndexInconsistency }

// IsFatal reports whether err must stop the partition.
func IsFatal(err error) bool {
	return errors.Is(err, ErrIndexInconsistency)
}
