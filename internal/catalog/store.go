package catalog

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned when an activity does not exist or is inactive.
var ErrNotFound = errors.New("catalog: not found")

// ActivityStore reads modules and submodules. Implementations filter out
// inactive records on every path; a soft-deleted activity is invisible here.
type ActivityStore interface {
	GetModule(ctx context.Context, id int64) (Module, error)
	// ListModules returns active modules ordered by sequence_order, id.
	ListModules(ctx context.Context) ([]Module, error)
	GetSubmodule(ctx context.Context, id int64) (Submodule, error)
	// ListSubmodules returns the module's active submodules ordered by
	// sequence_order, id.
	ListSubmodules(ctx context.Context, moduleID int64) ([]Submodule, error)
}

// RuleStore reads active branching rules.
type RuleStore interface {
	// ApplicableRules returns rules fired from the given source: rules whose
	// source_submodule_id matches when submoduleID is non-nil, otherwise
	// module-level rules (source_submodule_id absent) of the module.
	// Ordered by priority descending, id ascending.
	ApplicableRules(ctx context.Context, moduleID int64, submoduleID *int64) ([]Rule, error)
	// RulesTargeting returns rules gating the given submodule, directly or
	// through its branch. Ordered by priority descending, id ascending.
	RulesTargeting(ctx context.Context, sub Submodule) ([]Rule, error)
}

// MemoryStore is an in-memory ActivityStore and RuleStore, fed by the YAML
// loader and by tests.
type MemoryStore struct {
	mu         sync.RWMutex
	modules    map[int64]Module
	submodules map[int64]Submodule
	rules      map[int64]Rule
}

// NewMemoryStore creates an empty in-memory catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		modules:    make(map[int64]Module),
		submodules: make(map[int64]Submodule),
		rules:      make(map[int64]Rule),
	}
}

// PutModule inserts or replaces a module.
func (s *MemoryStore) PutModule(m Module) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[m.ID] = m
}

// PutSubmodule inserts or replaces a submodule.
func (s *MemoryStore) PutSubmodule(sub Submodule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submodules[sub.ID] = sub
}

// PutRule inserts or replaces a rule.
func (s *MemoryStore) PutRule(r Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = r
}

func (s *MemoryStore) GetModule(ctx context.Context, id int64) (Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.modules[id]
	if !ok || !m.IsActive {
		return Module{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) ListModules(ctx context.Context) ([]Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Module, 0, len(s.modules))
	for _, m := range s.modules {
		if m.IsActive {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SequenceOrder != out[j].SequenceOrder {
			return out[i].SequenceOrder < out[j].SequenceOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) GetSubmodule(ctx context.Context, id int64) (Submodule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.submodules[id]
	if !ok || !sub.IsActive {
		return Submodule{}, ErrNotFound
	}
	return sub, nil
}

func (s *MemoryStore) ListSubmodules(ctx context.Context, moduleID int64) ([]Submodule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Submodule, 0)
	for _, sub := range s.submodules {
		if sub.IsActive && sub.ModuleID == moduleID {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SequenceOrder != out[j].SequenceOrder {
			return out[i].SequenceOrder < out[j].SequenceOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) ApplicableRules(ctx context.Context, moduleID int64, submoduleID *int64) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, 0)
	for _, r := range s.rules {
		if !r.IsActive || r.SourceModuleID != moduleID {
			continue
		}
		if submoduleID != nil {
			if r.SourceSubmoduleID == nil || *r.SourceSubmoduleID != *submoduleID {
				continue
			}
		} else if r.SourceSubmoduleID != nil {
			continue
		}
		out = append(out, r)
	}
	sortRules(out)
	return out, nil
}

func (s *MemoryStore) RulesTargeting(ctx context.Context, sub Submodule) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, 0)
	for _, r := range s.rules {
		if r.IsActive && r.TargetsSubmodule(sub) {
			out = append(out, r)
		}
	}
	sortRules(out)
	return out, nil
}

// sortRules orders by priority descending with id ascending as the stable
// tie-break.
func sortRules(rules []Rule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}
