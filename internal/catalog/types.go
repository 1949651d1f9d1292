// Package catalog holds the administrator-authored program structure:
// modules, their submodules, and the branching rules that unlock alternate
// paths. Activities are soft-deleted via the is_active flag; every read
// path filters on it.
package catalog

import (
	"encoding/json"
	"fmt"
)

// ConditionType tags a branching rule's condition payload.
type ConditionType string

const (
	ConditionAlways         ConditionType = "always"
	ConditionQuestionAnswer ConditionType = "question_answer"
	ConditionAllComplete    ConditionType = "all_complete"
	ConditionAnyComplete    ConditionType = "any_complete"
)

// Operator compares a stored response against an expected value.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
)

// Module is a top-level required activity. Modules are ordered among each
// other by SequenceOrder.
type Module struct {
	ID                    int64
	Name                  string
	Description           string
	SequenceOrder         int
	RequiresAllSubmodules bool
	AllowsBranching       bool
	IsActive              bool
}

// Submodule is an activity within a module. Siblings sharing the same
// (module, branch, parent) group are ordered by SequenceOrder; BranchName
// groups siblings on one alternate path through the module.
type Submodule struct {
	ID                int64
	ModuleID          int64
	ParentSubmoduleID *int64
	BranchName        string
	Name              string
	Description       string
	SequenceOrder     int
	IsActive          bool
}

// Rule declares a conditional unlock. The source is the activity whose
// completion (or, for module-level rules, start) triggers evaluation; the
// target is either a single submodule or a named branch within the source
// module. Higher Priority rules are evaluated first.
type Rule struct {
	ID                int64
	SourceModuleID    int64
	SourceSubmoduleID *int64
	TargetSubmoduleID int64  // 0 when the rule targets a branch
	TargetBranch      string // empty when the rule targets a submodule
	ConditionType     ConditionType
	Condition         Condition // nil when the stored payload was unrecognized
	Priority          int
	IsActive          bool
}

// TargetsSubmodule reports whether the rule gates the given submodule,
// either directly or through its branch.
func (r Rule) TargetsSubmodule(sub Submodule) bool {
	if r.TargetSubmoduleID != 0 && r.TargetSubmoduleID == sub.ID {
		return true
	}
	return r.TargetBranch != "" && r.TargetBranch == sub.BranchName && r.SourceModuleID == sub.ModuleID
}

// Condition is the closed union of rule condition payloads. Unknown
// condition types never decode into a Condition; they stay nil and
// evaluate to false downstream.
type Condition interface {
	Type() ConditionType
}

// AlwaysCondition fires unconditionally.
type AlwaysCondition struct{}

func (AlwaysCondition) Type() ConditionType { return ConditionAlways }

// QuestionAnswerCondition compares the user's stored response for
// QuestionID against ExpectedValue using Operator.
type QuestionAnswerCondition struct {
	QuestionID    int64    `json:"question_id"`
	ExpectedValue any      `json:"expected_value"`
	Operator      Operator `json:"operator"`
}

func (QuestionAnswerCondition) Type() ConditionType { return ConditionQuestionAnswer }

// AllCompleteCondition fires when every listed submodule is completed.
type AllCompleteCondition struct {
	SubmoduleIDs []int64 `json:"submodule_ids"`
}

func (AllCompleteCondition) Type() ConditionType { return ConditionAllComplete }

// AnyCompleteCondition fires when at least one listed submodule is completed.
type AnyCompleteCondition struct {
	SubmoduleIDs []int64 `json:"submodule_ids"`
}

func (AnyCompleteCondition) Type() ConditionType { return ConditionAnyComplete }

// DecodeCondition parses a raw condition_config payload for the given
// condition type. Callers that admit rules should run ValidateConditionConfig
// first; DecodeCondition only guarantees structural decoding.
func DecodeCondition(condType ConditionType, raw []byte) (Condition, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	switch condType {
	case ConditionAlways:
		return AlwaysCondition{}, nil
	case ConditionQuestionAnswer:
		var c QuestionAnswerCondition
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decoding question_answer condition: %w", err)
		}
		return c, nil
	case ConditionAllComplete:
		var c AllCompleteCondition
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decoding all_complete condition: %w", err)
		}
		return c, nil
	case ConditionAnyComplete:
		var c AnyCompleteCondition
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decoding any_complete condition: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown condition type %q", condType)
	}
}
