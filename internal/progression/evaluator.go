package progression

import (
	"context"
	"log/slog"
	"strings"

	"github.com/p-n-ai/pathway/internal/catalog"
	"github.com/p-n-ai/pathway/internal/response"
)

// Evaluator interprets branching rule conditions for a user. It is a pure
// function of its inputs plus store reads: malformed or unrecognized
// conditions degrade to false with a warning and never abort evaluation of
// sibling rules; only store I/O failures surface as errors.
type Evaluator struct {
	progress  ProgressStore
	responses response.Store
	rules     catalog.RuleStore
}

// NewEvaluator creates a condition evaluator.
func NewEvaluator(progress ProgressStore, responses response.Store, rules catalog.RuleStore) *Evaluator {
	return &Evaluator{
		progress:  progress,
		responses: responses,
		rules:     rules,
	}
}

// RuleResult records one rule evaluation during an unlock pass.
type RuleResult struct {
	RuleID            int64  `json:"rule_id"`
	TargetSubmoduleID int64  `json:"target_submodule_id,omitempty"`
	TargetBranch      string `json:"target_branch,omitempty"`
	Unlocked          bool   `json:"unlocked"`
}

// Evaluate interprets a single rule's condition for the user.
func (e *Evaluator) Evaluate(ctx context.Context, rule catalog.Rule, userID string) (bool, error) {
	switch cond := rule.Condition.(type) {
	case catalog.AlwaysCondition:
		return true, nil

	case catalog.QuestionAnswerCondition:
		return e.evaluateQuestionAnswer(ctx, cond, rule.ID, userID)

	case catalog.AllCompleteCondition:
		return e.evaluateCompletion(ctx, cond.SubmoduleIDs, userID, true)

	case catalog.AnyCompleteCondition:
		return e.evaluateCompletion(ctx, cond.SubmoduleIDs, userID, false)

	default:
		slog.Warn("unknown rule condition, evaluating to false",
			"rule_id", rule.ID,
			"condition_type", string(rule.ConditionType),
		)
		return false, nil
	}
}

// EvaluateApplicable evaluates every active rule fired from the given
// source. When submoduleID is non-nil, rules sourced from that submodule
// are selected; otherwise module-level rules of moduleID. Candidates are
// ordered by priority descending, id ascending; order affects only the
// sequence of recorded results, every applicable rule is evaluated.
func (e *Evaluator) EvaluateApplicable(ctx context.Context, userID string, moduleID int64, submoduleID *int64) ([]RuleResult, error) {
	rules, err := e.rules.ApplicableRules(ctx, moduleID, submoduleID)
	if err != nil {
		return nil, err
	}

	results := make([]RuleResult, 0, len(rules))
	for _, rule := range rules {
		unlocked, err := e.Evaluate(ctx, rule, userID)
		if err != nil {
			return nil, err
		}
		results = append(results, RuleResult{
			RuleID:            rule.ID,
			TargetSubmoduleID: rule.TargetSubmoduleID,
			TargetBranch:      rule.TargetBranch,
			Unlocked:          unlocked,
		})
	}
	return results, nil
}

func (e *Evaluator) evaluateQuestionAnswer(ctx context.Context, cond catalog.QuestionAnswerCondition, ruleID int64, userID string) (bool, error) {
	if cond.ExpectedValue == nil {
		// Misconfigured rule fails safe.
		slog.Warn("question_answer rule has no expected value", "rule_id", ruleID)
		return false, nil
	}

	actual, found, err := e.responses.GetResponse(ctx, userID, cond.QuestionID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	switch cond.Operator {
	case catalog.OpEquals:
		return deepEqual(actual, cond.ExpectedValue), nil
	case catalog.OpNotEquals:
		return !deepEqual(actual, cond.ExpectedValue), nil
	case catalog.OpContains:
		return contains(actual, cond.ExpectedValue), nil
	case catalog.OpGreaterThan:
		return numericCompare(actual, cond.ExpectedValue, func(a, b float64) bool { return a > b }), nil
	case catalog.OpLessThan:
		return numericCompare(actual, cond.ExpectedValue, func(a, b float64) bool { return a < b }), nil
	default:
		slog.Warn("unknown operator, evaluating to false",
			"rule_id", ruleID,
			"operator", string(cond.Operator),
		)
		return false, nil
	}
}

// evaluateCompletion implements all_complete (requireAll) and any_complete.
// An empty id set fails safe to false in both modes.
func (e *Evaluator) evaluateCompletion(ctx context.Context, submoduleIDs []int64, userID string, requireAll bool) (bool, error) {
	if len(submoduleIDs) == 0 {
		return false, nil
	}

	records, err := e.progress.FetchMany(ctx, userID, KindSubmodule, submoduleIDs)
	if err != nil {
		return false, err
	}

	for _, id := range submoduleIDs {
		completed := records[id].Completed()
		if requireAll && !completed {
			return false, nil
		}
		if !requireAll && completed {
			return true, nil
		}
	}
	return requireAll, nil
}

// deepEqual compares decoded JSON/YAML values structurally: arrays
// element-wise and by length, objects by key set and recursive value
// equality, numbers across int/float representations, other primitives by
// value.
func deepEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}

	switch at := a.(type) {
	case nil:
		return b == nil
	case string:
		bs, ok := b.(string)
		return ok && at == bs
	case bool:
		bb, ok := b.(bool)
		return ok && at == bb
	case []any:
		bl, ok := b.([]any)
		if !ok || len(at) != len(bl) {
			return false
		}
		for i := range at {
			if !deepEqual(at[i], bl[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bm, ok := b.(map[string]any)
		if !ok || len(at) != len(bm) {
			return false
		}
		for k, av := range at {
			bv, ok := bm[k]
			if !ok || !deepEqual(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// contains: list membership by deep equality, or substring containment when
// both operands are strings. Anything else is false.
func contains(actual, expected any) bool {
	if list, ok := actual.([]any); ok {
		for _, elem := range list {
			if deepEqual(elem, expected) {
				return true
			}
		}
		return false
	}
	as, aok := actual.(string)
	es, eok := expected.(string)
	return aok && eok && strings.Contains(as, es)
}

// numericCompare is false for any non-numeric operand pair.
func numericCompare(actual, expected any, cmp func(a, b float64) bool) bool {
	af, aok := toFloat(actual)
	ef, eok := toFloat(expected)
	return aok && eok && cmp(af, ef)
}

// toFloat normalizes the numeric representations produced by JSON decoding
// (float64), YAML decoding (int), and direct construction in tests.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
