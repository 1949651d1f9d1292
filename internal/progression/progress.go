// Package progression is the engine that walks a user through the catalog:
// it decides whether an activity is currently accessible, runs the
// per-activity state machine, and evaluates branching rules that unlock
// downstream submodules. All serialization under concurrent requests
// happens in the progress store's guarded upsert; the engine itself holds
// no locks.
package progression

import (
	"fmt"
	"time"
)

// Kind distinguishes the two activity granularities.
type Kind string

const (
	KindModule    Kind = "module"
	KindSubmodule Kind = "submodule"
)

// Valid reports whether k is a known activity kind.
func (k Kind) Valid() bool {
	return k == KindModule || k == KindSubmodule
}

// Status is the per-(user, activity) state. Absence of a record means
// not_started; the status is only persisted as not_started for unlock
// records written by branching rules.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// ActivityRef identifies one module or submodule.
type ActivityRef struct {
	Kind Kind  `json:"kind"`
	ID   int64 `json:"id"`
}

func (r ActivityRef) String() string {
	return fmt.Sprintf("%s/%d", r.Kind, r.ID)
}

// Progress is one user's record for one activity. Once Status is completed
// the record is immutable; the store's guard enforces that.
type Progress struct {
	UserID         string         `json:"user_id"`
	Activity       ActivityRef    `json:"activity"`
	Status         Status         `json:"status"`
	StartedAt      time.Time      `json:"started_at,omitzero"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	ResponseData   map[string]any `json:"response_data,omitempty"`
	UnlockedByRule *int64         `json:"unlocked_by_rule,omitempty"`
}

// Completed reports whether the record is in the terminal state.
func (p Progress) Completed() bool {
	return p.Status == StatusCompleted
}

// Guard is the atomicity predicate a store evaluates against the current
// record before an upsert commits.
type Guard int

const (
	// GuardNotCompleted commits only when no record exists or the current
	// status is not completed. Protects the terminal state from overwrite
	// and from resurrection by a late start().
	GuardNotCompleted Guard = iota
	// GuardAbsent commits only when no record exists. Makes rule-driven
	// unlock writes idempotent.
	GuardAbsent
)

func (g Guard) String() string {
	switch g {
	case GuardNotCompleted:
		return "not_completed"
	case GuardAbsent:
		return "absent"
	default:
		return fmt.Sprintf("guard(%d)", int(g))
	}
}
