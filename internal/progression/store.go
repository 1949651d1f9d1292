package progression

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ProgressStore persists per-(user, activity) progress records. Upsert is
// the engine's only serialization point: the guard must be evaluated
// atomically against the current stored record, so that of two concurrent
// completing upserts exactly one succeeds and the other observes
// ErrGuardRejected with zero effect.
type ProgressStore interface {
	// Fetch returns the record and whether one exists.
	Fetch(ctx context.Context, userID string, ref ActivityRef) (Progress, bool, error)
	// FetchMany returns existing records for the given ids, keyed by id.
	// Absent ids simply have no entry.
	FetchMany(ctx context.Context, userID string, kind Kind, ids []int64) (map[int64]Progress, error)
	// Upsert writes rec subject to guard and returns the stored record.
	// Merge semantics: started_at is first-write-wins, a nil ResponseData
	// preserves the existing payload, and completed_at is only ever set by
	// a completing write.
	Upsert(ctx context.Context, rec Progress, guard Guard) (Progress, error)
}

// MemoryProgressStore is an in-memory ProgressStore. Guards are evaluated
// under the store mutex, mirroring what the Postgres implementation does in
// its conditional upsert.
type MemoryProgressStore struct {
	mu      sync.Mutex
	records map[progressKey]Progress
}

type progressKey struct {
	userID string
	kind   Kind
	id     int64
}

// NewMemoryProgressStore creates an empty in-memory progress store.
func NewMemoryProgressStore() *MemoryProgressStore {
	return &MemoryProgressStore{
		records: make(map[progressKey]Progress),
	}
}

func (s *MemoryProgressStore) Fetch(ctx context.Context, userID string, ref ActivityRef) (Progress, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[progressKey{userID, ref.Kind, ref.ID}]
	return rec, ok, nil
}

func (s *MemoryProgressStore) FetchMany(ctx context.Context, userID string, kind Kind, ids []int64) (map[int64]Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]Progress, len(ids))
	for _, id := range ids {
		if rec, ok := s.records[progressKey{userID, kind, id}]; ok {
			out[id] = rec
		}
	}
	return out, nil
}

func (s *MemoryProgressStore) Upsert(ctx context.Context, rec Progress, guard Guard) (Progress, error) {
	if rec.UserID == "" {
		return Progress{}, fmt.Errorf("user_id is required")
	}
	if !rec.Activity.Kind.Valid() {
		return Progress{}, fmt.Errorf("invalid activity kind %q", rec.Activity.Kind)
	}

	key := progressKey{rec.UserID, rec.Activity.Kind, rec.Activity.ID}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.records[key]
	switch guard {
	case GuardAbsent:
		if exists {
			return Progress{}, ErrGuardRejected
		}
	case GuardNotCompleted:
		if exists && current.Completed() {
			return Progress{}, ErrGuardRejected
		}
	default:
		return Progress{}, fmt.Errorf("unknown guard %v", guard)
	}

	merged := rec
	if exists {
		if !current.StartedAt.IsZero() {
			merged.StartedAt = current.StartedAt
		}
		if merged.ResponseData == nil {
			merged.ResponseData = current.ResponseData
		}
		if merged.CompletedAt == nil {
			merged.CompletedAt = current.CompletedAt
		}
		if merged.UnlockedByRule == nil {
			merged.UnlockedByRule = current.UnlockedByRule
		}
	}
	merged.ResponseData = copyData(merged.ResponseData)

	s.records[key] = merged
	return merged, nil
}

// copyData defensively clones the payload so callers mutating their map do
// not mutate the stored record.
func copyData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// now is a seam for tests that pin completion timestamps.
var now = time.Now
