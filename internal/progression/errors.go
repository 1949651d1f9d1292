package progression

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced activity does not exist or
	// is inactive.
	ErrNotFound = errors.New("activity not found")
	// ErrAlreadyCompleted is returned on any mutation of a terminal record,
	// including losing a concurrent completion race.
	ErrAlreadyCompleted = errors.New("activity already completed")
	// ErrNotStarted is returned when complete() is called without a prior
	// start() or save().
	ErrNotStarted = errors.New("activity not started")
	// ErrIncompletePrerequisites is returned when a module completion is
	// attempted while required submodules remain incomplete.
	ErrIncompletePrerequisites = errors.New("required submodules incomplete")
	// ErrGuardRejected is returned by a progress store when the guard
	// predicate fails; the service maps it to ErrAlreadyCompleted or, for
	// unlock writes, treats it as a no-op.
	ErrGuardRejected = errors.New("guard rejected write")
	// ErrAccessDenied is the sentinel matched by errors.Is for
	// AccessDeniedError values.
	ErrAccessDenied = errors.New("access denied")
)

// AccessDeniedError reports a failed gate check with a human-readable
// reason and, when known, the next accessible activity of the same kind.
type AccessDeniedError struct {
	Activity ActivityRef
	Reason   string
	// NextAccessibleID is the blocking sibling the user should finish
	// first; zero when unknown.
	NextAccessibleID int64
}

func (e *AccessDeniedError) Error() string {
	if e.NextAccessibleID != 0 {
		return fmt.Sprintf("access denied for %s: %s (next: %s/%d)",
			e.Activity, e.Reason, e.Activity.Kind, e.NextAccessibleID)
	}
	return fmt.Sprintf("access denied for %s: %s", e.Activity, e.Reason)
}

func (e *AccessDeniedError) Is(target error) bool {
	return target == ErrAccessDenied
}
