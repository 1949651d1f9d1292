package progression

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/p-n-ai/pathway/internal/catalog"
	"github.com/p-n-ai/pathway/internal/response"
)

// ServiceConfig holds dependencies for the progression service.
type ServiceConfig struct {
	Activities catalog.ActivityStore
	Rules      catalog.RuleStore
	Progress   ProgressStore // defaults to the in-memory store
	Responses  response.Store
	Audit      AuditSink // defaults to NopSink
}

// Service orchestrates the per-activity state machine: start, save and
// complete, with the access gate consulted before every mutation, branching
// rules evaluated on completion, and module completion cascaded from
// submodule completion.
type Service struct {
	activities catalog.ActivityStore
	rules      catalog.RuleStore
	progress   ProgressStore
	audit      AuditSink
	gate       *Gate
	eval       *Evaluator
}

// NewService creates a progression service.
func NewService(cfg ServiceConfig) *Service {
	progress := cfg.Progress
	if progress == nil {
		progress = NewMemoryProgressStore()
	}
	responses := cfg.Responses
	if responses == nil {
		responses = response.NewMemoryStore()
	}
	audit := cfg.Audit
	if audit == nil {
		audit = NopSink{}
	}

	eval := NewEvaluator(progress, responses, cfg.Rules)
	return &Service{
		activities: cfg.Activities,
		rules:      cfg.Rules,
		progress:   progress,
		audit:      audit,
		gate:       NewGate(cfg.Activities, cfg.Rules, progress, eval),
		eval:       eval,
	}
}

// UnlockResult records one unlock write attempt. Created is false when the
// target already had a progress record, making repeated unlocks no-ops.
type UnlockResult struct {
	RuleID      int64 `json:"rule_id"`
	SubmoduleID int64 `json:"submodule_id"`
	Created     bool  `json:"created"`
}

// UnlockReport is the outcome of one rule evaluation pass.
type UnlockReport struct {
	Results  []RuleResult   `json:"results"`
	Unlocked []UnlockResult `json:"unlocked"`
}

// CompletionResult is the outcome of a successful Complete call.
type CompletionResult struct {
	Progress Progress       `json:"progress"`
	Unlocked []UnlockResult `json:"unlocked,omitempty"`
	// Cascaded is the module record written when this submodule completion
	// finished its module; nil otherwise.
	Cascaded *Progress `json:"cascaded,omitempty"`
}

// CheckAccess reports whether the activity is currently accessible.
func (s *Service) CheckAccess(ctx context.Context, userID string, ref ActivityRef) (Decision, error) {
	var d Decision
	var err error
	switch ref.Kind {
	case KindModule:
		d, err = s.gate.ModuleAccessible(ctx, userID, ref.ID)
	case KindSubmodule:
		d, err = s.gate.SubmoduleAccessible(ctx, userID, ref.ID)
	default:
		return Decision{}, fmt.Errorf("invalid activity kind %q", ref.Kind)
	}
	return d, translateNotFound(err)
}

// Start transitions the activity to in_progress. An existing in-progress
// record keeps its original started_at; a completed record rejects the
// write. Starting a module also fires its module-level rules.
func (s *Service) Start(ctx context.Context, userID string, ref ActivityRef) (Progress, error) {
	decision, err := s.CheckAccess(ctx, userID, ref)
	if err != nil {
		return Progress{}, err
	}
	if !decision.Allowed {
		return Progress{}, s.deny(ctx, userID, ref, decision)
	}

	rec, err := s.progress.Upsert(ctx, Progress{
		UserID:    userID,
		Activity:  ref,
		Status:    StatusInProgress,
		StartedAt: now(),
	}, GuardNotCompleted)
	if errors.Is(err, ErrGuardRejected) {
		return Progress{}, fmt.Errorf("%s is read-only: %w", ref, ErrAlreadyCompleted)
	}
	if err != nil {
		return Progress{}, fmt.Errorf("starting %s: %w", ref, err)
	}

	s.recordAudit(ctx, EventStarted, userID, map[string]any{
		"activity": ref.String(),
	})

	// Module-level rules fire when the module starts: there is no
	// submodule context yet, so source_submodule_id IS NULL selects them.
	if ref.Kind == KindModule {
		if _, err := s.applyUnlocks(ctx, userID, ref.ID, nil); err != nil {
			return Progress{}, err
		}
	}
	return rec, nil
}

// Save writes responseData without completing. A missing record implicitly
// starts the activity, with the same accessibility check Start performs; a
// completed record rejects the write.
func (s *Service) Save(ctx context.Context, userID string, ref ActivityRef, responseData map[string]any) (Progress, error) {
	current, exists, err := s.progress.Fetch(ctx, userID, ref)
	if err != nil {
		return Progress{}, fmt.Errorf("fetching %s: %w", ref, err)
	}
	if exists && current.Completed() {
		return Progress{}, fmt.Errorf("%s is read-only: %w", ref, ErrAlreadyCompleted)
	}
	if !exists {
		decision, err := s.CheckAccess(ctx, userID, ref)
		if err != nil {
			return Progress{}, err
		}
		if !decision.Allowed {
			return Progress{}, s.deny(ctx, userID, ref, decision)
		}
	}

	rec, err := s.progress.Upsert(ctx, Progress{
		UserID:       userID,
		Activity:     ref,
		Status:       StatusInProgress,
		StartedAt:    now(),
		ResponseData: responseData,
	}, GuardNotCompleted)
	if errors.Is(err, ErrGuardRejected) {
		// A concurrent completion won between the fetch and the write.
		return Progress{}, fmt.Errorf("%s is read-only: %w", ref, ErrAlreadyCompleted)
	}
	if err != nil {
		return Progress{}, fmt.Errorf("saving %s: %w", ref, err)
	}

	s.recordAudit(ctx, EventSaved, userID, map[string]any{
		"activity": ref.String(),
	})

	// An implicit module start fires module-level rules exactly as an
	// explicit Start would.
	if !exists && ref.Kind == KindModule {
		if _, err := s.applyUnlocks(ctx, userID, ref.ID, nil); err != nil {
			return Progress{}, err
		}
	}
	return rec, nil
}

// Complete transitions the activity to its terminal state, fires branching
// rules sourced from it, and for submodules cascades module completion when
// the owning module requires all submodules and they are now all done.
func (s *Service) Complete(ctx context.Context, userID string, ref ActivityRef, responseData map[string]any) (CompletionResult, error) {
	decision, err := s.CheckAccess(ctx, userID, ref)
	if err != nil {
		return CompletionResult{}, err
	}
	if !decision.Allowed {
		return CompletionResult{}, s.deny(ctx, userID, ref, decision)
	}

	current, exists, err := s.progress.Fetch(ctx, userID, ref)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("fetching %s: %w", ref, err)
	}
	// A not_started record is an unlock marker written by a rule, not a
	// start; for completion purposes it is equivalent to no record at all.
	if !exists || current.Status == StatusNotStarted {
		return CompletionResult{}, fmt.Errorf("%s: %w", ref, ErrNotStarted)
	}

	if ref.Kind == KindModule {
		if err := s.checkModulePrerequisites(ctx, userID, ref.ID); err != nil {
			return CompletionResult{}, err
		}
	}

	rec, err := s.finalize(ctx, userID, ref, responseData)
	if err != nil {
		return CompletionResult{}, err
	}
	s.recordAudit(ctx, EventCompleted, userID, map[string]any{
		"activity": ref.String(),
	})

	result := CompletionResult{Progress: rec}
	switch ref.Kind {
	case KindModule:
		report, err := s.applyUnlocks(ctx, userID, ref.ID, nil)
		if err != nil {
			return CompletionResult{}, err
		}
		result.Unlocked = report.Unlocked
	case KindSubmodule:
		sub, err := s.activities.GetSubmodule(ctx, ref.ID)
		if err != nil {
			return CompletionResult{}, translateNotFound(err)
		}
		report, err := s.applyUnlocks(ctx, userID, sub.ModuleID, &sub.ID)
		if err != nil {
			return CompletionResult{}, err
		}
		result.Unlocked = report.Unlocked

		cascaded, err := s.maybeCascade(ctx, userID, sub)
		if err != nil {
			return CompletionResult{}, err
		}
		result.Cascaded = cascaded
	}
	return result, nil
}

// EvaluateUnlocks runs every applicable active rule for the given source
// and idempotently writes unlock records for targets whose condition holds.
func (s *Service) EvaluateUnlocks(ctx context.Context, userID string, moduleID int64, submoduleID *int64) (UnlockReport, error) {
	if _, err := s.activities.GetModule(ctx, moduleID); err != nil {
		return UnlockReport{}, translateNotFound(err)
	}
	return s.applyUnlocks(ctx, userID, moduleID, submoduleID)
}

// finalize performs the guarded completing write.
func (s *Service) finalize(ctx context.Context, userID string, ref ActivityRef, responseData map[string]any) (Progress, error) {
	completedAt := now()
	rec, err := s.progress.Upsert(ctx, Progress{
		UserID:       userID,
		Activity:     ref,
		Status:       StatusCompleted,
		StartedAt:    completedAt,
		CompletedAt:  &completedAt,
		ResponseData: responseData,
	}, GuardNotCompleted)
	if errors.Is(err, ErrGuardRejected) {
		return Progress{}, fmt.Errorf("%s is read-only: %w", ref, ErrAlreadyCompleted)
	}
	if err != nil {
		return Progress{}, fmt.Errorf("completing %s: %w", ref, err)
	}
	return rec, nil
}

// checkModulePrerequisites enforces requires_all_submodules on explicit
// module completion. The check is literal: every active submodule of the
// module must be completed, which for a module that also allows branching
// can never hold when branches are mutually exclusive. That combination is
// intentionally conservative; see DESIGN.md.
func (s *Service) checkModulePrerequisites(ctx context.Context, userID string, moduleID int64) error {
	module, err := s.activities.GetModule(ctx, moduleID)
	if err != nil {
		return translateNotFound(err)
	}
	if !module.RequiresAllSubmodules {
		return nil
	}

	incomplete, err := s.incompleteSubmodules(ctx, userID, moduleID)
	if err != nil {
		return err
	}
	if len(incomplete) > 0 {
		return fmt.Errorf("%w: submodules %v", ErrIncompletePrerequisites, incomplete)
	}
	return nil
}

// maybeCascade auto-completes the owning module after a submodule
// completion when the module requires all submodules and none remain
// incomplete. The module record is written by the service itself with a
// synthetic auto-completion payload, so no prior start is needed.
func (s *Service) maybeCascade(ctx context.Context, userID string, sub catalog.Submodule) (*Progress, error) {
	module, err := s.activities.GetModule(ctx, sub.ModuleID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !module.RequiresAllSubmodules {
		return nil, nil
	}

	incomplete, err := s.incompleteSubmodules(ctx, userID, module.ID)
	if err != nil {
		return nil, err
	}
	if len(incomplete) > 0 {
		return nil, nil
	}

	completedAt := now()
	moduleRef := ActivityRef{Kind: KindModule, ID: module.ID}
	rec, err := s.progress.Upsert(ctx, Progress{
		UserID:      userID,
		Activity:    moduleRef,
		Status:      StatusCompleted,
		StartedAt:   completedAt,
		CompletedAt: &completedAt,
		ResponseData: map[string]any{
			"auto_completed":       true,
			"trigger_submodule_id": sub.ID,
		},
	}, GuardNotCompleted)
	if errors.Is(err, ErrGuardRejected) {
		// Already completed, possibly by a concurrent cascade.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cascading completion of module %d: %w", module.ID, err)
	}

	s.recordAudit(ctx, EventCascaded, userID, map[string]any{
		"module_id":            module.ID,
		"trigger_submodule_id": sub.ID,
	})

	// A cascaded module completion fires module-level rules just like an
	// explicit one.
	if _, err := s.applyUnlocks(ctx, userID, module.ID, nil); err != nil {
		return nil, err
	}
	return &rec, nil
}

// incompleteSubmodules returns ids of active submodules of the module that
// the user has not completed.
func (s *Service) incompleteSubmodules(ctx context.Context, userID string, moduleID int64) ([]int64, error) {
	subs, err := s.activities.ListSubmodules(ctx, moduleID)
	if err != nil {
		return nil, fmt.Errorf("listing submodules of module %d: %w", moduleID, err)
	}

	ids := make([]int64, len(subs))
	for i, sub := range subs {
		ids[i] = sub.ID
	}
	records, err := s.progress.FetchMany(ctx, userID, KindSubmodule, ids)
	if err != nil {
		return nil, fmt.Errorf("fetching submodule progress: %w", err)
	}

	var incomplete []int64
	for _, id := range ids {
		if !records[id].Completed() {
			incomplete = append(incomplete, id)
		}
	}
	return incomplete, nil
}

// applyUnlocks evaluates the applicable rules and writes unlock records for
// targets whose condition holds. Duplicate unlocks are no-ops via the
// absent-only guard.
func (s *Service) applyUnlocks(ctx context.Context, userID string, moduleID int64, submoduleID *int64) (UnlockReport, error) {
	results, err := s.eval.EvaluateApplicable(ctx, userID, moduleID, submoduleID)
	if err != nil {
		return UnlockReport{}, fmt.Errorf("evaluating rules for module %d: %w", moduleID, err)
	}

	report := UnlockReport{Results: results}
	for _, res := range results {
		if !res.Unlocked {
			continue
		}

		targets, err := s.resolveTargets(ctx, moduleID, res)
		if err != nil {
			return UnlockReport{}, err
		}
		for _, targetID := range targets {
			ruleID := res.RuleID
			_, err := s.progress.Upsert(ctx, Progress{
				UserID:         userID,
				Activity:       ActivityRef{Kind: KindSubmodule, ID: targetID},
				Status:         StatusNotStarted,
				UnlockedByRule: &ruleID,
			}, GuardAbsent)
			created := err == nil
			if err != nil && !errors.Is(err, ErrGuardRejected) {
				return UnlockReport{}, fmt.Errorf("writing unlock for submodule %d: %w", targetID, err)
			}
			report.Unlocked = append(report.Unlocked, UnlockResult{
				RuleID:      res.RuleID,
				SubmoduleID: targetID,
				Created:     created,
			})
			if created {
				s.recordAudit(ctx, EventUnlocked, userID, map[string]any{
					"rule_id":      res.RuleID,
					"submodule_id": targetID,
				})
			}
		}
	}
	return report, nil
}

// resolveTargets maps a rule result to concrete submodule ids: the direct
// target, or for branch-targeting rules the branch's entry submodule (the
// lowest-ordered active top-level submodule of that branch).
func (s *Service) resolveTargets(ctx context.Context, moduleID int64, res RuleResult) ([]int64, error) {
	if res.TargetSubmoduleID != 0 {
		return []int64{res.TargetSubmoduleID}, nil
	}
	if res.TargetBranch == "" {
		return nil, nil
	}

	subs, err := s.activities.ListSubmodules(ctx, moduleID)
	if err != nil {
		return nil, fmt.Errorf("listing submodules of module %d: %w", moduleID, err)
	}
	for _, sub := range subs {
		if sub.BranchName == res.TargetBranch && sub.ParentSubmoduleID == nil {
			return []int64{sub.ID}, nil
		}
	}
	slog.Warn("branch-targeting rule matched no submodule",
		"rule_id", res.RuleID,
		"module_id", moduleID,
		"branch", res.TargetBranch,
	)
	return nil, nil
}

// deny records the access-denied audit event and builds the typed error.
func (s *Service) deny(ctx context.Context, userID string, ref ActivityRef, decision Decision) error {
	s.recordAudit(ctx, EventAccessDenied, userID, map[string]any{
		"activity": ref.String(),
		"reason":   decision.Reason,
	})
	return &AccessDeniedError{
		Activity:         ref,
		Reason:           decision.Reason,
		NextAccessibleID: decision.NextAccessibleID,
	}
}

// recordAudit delivers an event to the sink without letting sink failures
// reach the caller.
func (s *Service) recordAudit(ctx context.Context, eventType, userID string, details map[string]any) {
	if err := s.audit.Record(ctx, eventType, userID, details); err != nil {
		slog.Warn("audit sink failure", "type", eventType, "user_id", userID, "error", err)
	}
}

func translateNotFound(err error) error {
	if errors.Is(err, catalog.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
