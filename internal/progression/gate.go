package progression

import (
	"context"
	"fmt"

	"github.com/p-n-ai/pathway/internal/catalog"
)

// Gate computes whether an activity is currently accessible to a user.
// Sequential order is the safety floor: nobody skips ahead even when no
// rule exists. Branching rules layer conditional shortcuts on top of that
// floor for submodules; module accessibility is purely sequential.
type Gate struct {
	activities catalog.ActivityStore
	rules      catalog.RuleStore
	progress   ProgressStore
	eval       *Evaluator
}

// NewGate creates an access gate.
func NewGate(activities catalog.ActivityStore, rules catalog.RuleStore, progress ProgressStore, eval *Evaluator) *Gate {
	return &Gate{
		activities: activities,
		rules:      rules,
		progress:   progress,
		eval:       eval,
	}
}

// Decision is the result of a gate check. NextAccessibleID names the
// blocking sibling when the check fails on sequential order; zero when
// unknown.
type Decision struct {
	Allowed          bool   `json:"allowed"`
	Reason           string `json:"reason,omitempty"`
	NextAccessibleID int64  `json:"next_accessible_id,omitempty"`
}

func allowed() Decision {
	return Decision{Allowed: true}
}

// ModuleAccessible reports whether the module is accessible: the module
// with the lowest sequence_order among active modules always is; any other
// module requires every active module with strictly smaller order to be
// completed.
func (g *Gate) ModuleAccessible(ctx context.Context, userID string, moduleID int64) (Decision, error) {
	modules, err := g.activities.ListModules(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("listing modules: %w", err)
	}

	var target *catalog.Module
	for i := range modules {
		if modules[i].ID == moduleID {
			target = &modules[i]
			break
		}
	}
	if target == nil {
		return Decision{}, ErrNotFound
	}

	var predecessors []int64
	for _, m := range modules {
		if m.SequenceOrder < target.SequenceOrder {
			predecessors = append(predecessors, m.ID)
		}
	}
	if len(predecessors) == 0 {
		return allowed(), nil
	}

	records, err := g.progress.FetchMany(ctx, userID, KindModule, predecessors)
	if err != nil {
		return Decision{}, fmt.Errorf("fetching module progress: %w", err)
	}

	for _, m := range modules {
		if m.SequenceOrder >= target.SequenceOrder {
			break
		}
		if !records[m.ID].Completed() {
			return Decision{
				Allowed:          false,
				Reason:           fmt.Sprintf("module %q must be completed first", m.Name),
				NextAccessibleID: m.ID,
			}, nil
		}
	}
	return allowed(), nil
}

// SubmoduleAccessible reports whether the submodule is accessible. Both
// checks must pass:
//
//  1. every active sibling in the same (module, branch, parent) group with
//     strictly smaller sequence_order is completed, and
//  2. if any active rule targets the submodule (directly or via its
//     branch), at least one such rule evaluates true. Rules combine by OR;
//     priority never gates the boolean access check.
func (g *Gate) SubmoduleAccessible(ctx context.Context, userID string, submoduleID int64) (Decision, error) {
	sub, err := g.activities.GetSubmodule(ctx, submoduleID)
	if err != nil {
		return Decision{}, err
	}

	if d, err := g.sequentialCheck(ctx, userID, sub); err != nil || !d.Allowed {
		return d, err
	}
	return g.ruleCheck(ctx, userID, sub)
}

func (g *Gate) sequentialCheck(ctx context.Context, userID string, sub catalog.Submodule) (Decision, error) {
	siblings, err := g.activities.ListSubmodules(ctx, sub.ModuleID)
	if err != nil {
		return Decision{}, fmt.Errorf("listing submodules: %w", err)
	}

	var earlier []catalog.Submodule
	for _, sib := range siblings {
		if sib.ID == sub.ID || !sameGroup(sib, sub) {
			continue
		}
		if sib.SequenceOrder < sub.SequenceOrder {
			earlier = append(earlier, sib)
		}
	}
	// First in its group (including order 1, no parent) passes outright.
	if len(earlier) == 0 {
		return allowed(), nil
	}

	ids := make([]int64, len(earlier))
	for i, sib := range earlier {
		ids[i] = sib.ID
	}
	records, err := g.progress.FetchMany(ctx, userID, KindSubmodule, ids)
	if err != nil {
		return Decision{}, fmt.Errorf("fetching submodule progress: %w", err)
	}

	for _, sib := range earlier {
		if !records[sib.ID].Completed() {
			return Decision{
				Allowed:          false,
				Reason:           fmt.Sprintf("submodule %q must be completed first", sib.Name),
				NextAccessibleID: sib.ID,
			}, nil
		}
	}
	return allowed(), nil
}

func (g *Gate) ruleCheck(ctx context.Context, userID string, sub catalog.Submodule) (Decision, error) {
	targeting, err := g.rules.RulesTargeting(ctx, sub)
	if err != nil {
		return Decision{}, fmt.Errorf("listing targeting rules: %w", err)
	}
	// No targeting rule means the rule check passes unconditionally.
	if len(targeting) == 0 {
		return allowed(), nil
	}

	for _, rule := range targeting {
		ok, err := g.eval.Evaluate(ctx, rule, userID)
		if err != nil {
			return Decision{}, fmt.Errorf("evaluating rule %d: %w", rule.ID, err)
		}
		if ok {
			return allowed(), nil
		}
	}
	return Decision{
		Allowed: false,
		Reason:  fmt.Sprintf("submodule %q is locked by branching rules", sub.Name),
	}, nil
}

// sameGroup reports whether two submodules share the sequential-ordering
// group: same module, branch name, and parent.
func sameGroup(a, b catalog.Submodule) bool {
	if a.ModuleID != b.ModuleID || a.BranchName != b.BranchName {
		return false
	}
	if (a.ParentSubmoduleID == nil) != (b.ParentSubmoduleID == nil) {
		return false
	}
	return a.ParentSubmoduleID == nil || *a.ParentSubmoduleID == *b.ParentSubmoduleID
}
