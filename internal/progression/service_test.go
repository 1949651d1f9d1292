package progression

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/p-n-ai/pathway/internal/catalog"
	"github.com/p-n-ai/pathway/internal/response"
)

type serviceFixture struct {
	svc       *Service
	catalog   *catalog.MemoryStore
	progress  *MemoryProgressStore
	responses *response.MemoryStore
	audit     *MemorySink
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	cat := catalog.NewMemoryStore()
	progress := NewMemoryProgressStore()
	responses := response.NewMemoryStore()
	audit := NewMemorySink()
	svc := NewService(ServiceConfig{
		Activities: cat,
		Rules:      cat,
		Progress:   progress,
		Responses:  responses,
		Audit:      audit,
	})
	return &serviceFixture{svc: svc, catalog: cat, progress: progress, responses: responses, audit: audit}
}

func (f *serviceFixture) addModule(m catalog.Module) {
	m.IsActive = true
	f.catalog.PutModule(m)
}

func (f *serviceFixture) addSubmodule(sub catalog.Submodule) {
	sub.IsActive = true
	f.catalog.PutSubmodule(sub)
}

func (f *serviceFixture) auditTypes() []string {
	events := f.audit.Events()
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.EventType
	}
	return types
}

func moduleRef(id int64) ActivityRef    { return ActivityRef{Kind: KindModule, ID: id} }
func submoduleRef(id int64) ActivityRef { return ActivityRef{Kind: KindSubmodule, ID: id} }

func TestStartLockedModuleDenied(t *testing.T) {
	f := newServiceFixture(t)
	f.addModule(catalog.Module{ID: 1, Name: "Foundations", SequenceOrder: 1})
	f.addModule(catalog.Module{ID: 2, Name: "Applications", SequenceOrder: 2})

	_, err := f.svc.Start(t.Context(), "u1", moduleRef(2))
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("Start(locked module): err = %v, want ErrAccessDenied", err)
	}

	var denied *AccessDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("error is not *AccessDeniedError: %v", err)
	}
	if denied.NextAccessibleID != 1 {
		t.Errorf("NextAccessibleID = %d, want 1", denied.NextAccessibleID)
	}

	types := f.auditTypes()
	if len(types) != 1 || types[0] != EventAccessDenied {
		t.Errorf("audit events = %v, want [%s]", types, EventAccessDenied)
	}
}

func TestStartSetsInProgressAndPreservesStartedAt(t *testing.T) {
	f := newServiceFixture(t)
	f.addModule(catalog.Module{ID: 1, SequenceOrder: 1})

	first, err := f.svc.Start(t.Context(), "u1", moduleRef(1))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if first.Status != StatusInProgress {
		t.Errorf("Status = %q, want %q", first.Status, StatusInProgress)
	}
	if first.StartedAt.IsZero() {
		t.Error("StartedAt is zero")
	}

	second, err := f.svc.Start(t.Context(), "u1", moduleRef(1))
	if err != nil {
		t.Fatalf("repeated Start() error = %v", err)
	}
	if !second.StartedAt.Equal(first.StartedAt) {
		t.Errorf("StartedAt changed on repeat start: %v -> %v", first.StartedAt, second.StartedAt)
	}
}

func TestStartCompletedModuleReadOnly(t *testing.T) {
	f := newServiceFixture(t)
	f.addModule(catalog.Module{ID: 1, SequenceOrder: 1})

	if _, err := f.svc.Start(t.Context(), "u1", moduleRef(1)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := f.svc.Complete(t.Context(), "u1", moduleRef(1), nil); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if _, err := f.svc.Start(t.Context(), "u1", moduleRef(1)); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("Start(completed): err = %v, want ErrAlreadyCompleted", err)
	}
}

func TestSaveImplicitStart(t *testing.T) {
	f := newServiceFixture(t)
	f.addModule(catalog.Module{ID: 1, SequenceOrder: 1})
	f.addSubmodule(catalog.Submodule{ID: 11, ModuleID: 1, SequenceOrder: 1})

	rec, err := f.svc.Save(t.Context(), "u1", submoduleRef(11), map[string]any{"q1": "draft"})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if rec.Status != StatusInProgress {
		t.Errorf("Status = %q, want %q (implicit start)", rec.Status, StatusInProgress)
	}
	if rec.ResponseData["q1"] != "draft" {
		t.Errorf("ResponseData = %v", rec.ResponseData)
	}
}

func TestSaveDeniedWhenLocked(t *testing.T) {
	f := newServiceFixture(t)
	f.addModule(catalog.Module{ID: 1, SequenceOrder: 1})
	f.addSubmodule(catalog.Submodule{ID: 11, ModuleID: 1, SequenceOrder: 1})
	f.addSubmodule(catalog.Submodule{ID: 12, ModuleID: 1, SequenceOrder: 2})

	if _, err := f.svc.Save(t.Context(), "u1", submoduleRef(12), map[string]any{"x": 1}); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("Save(locked): err = %v, want ErrAccessDenied", err)
	}
}

func TestSaveCompletedReadOnly(t *testing.T) {
	f := newServiceFixture(t)
	f.addModule(catalog.Module{ID: 1, SequenceOrder: 1})
	f.addSubmodule(catalog.Submodule{ID: 11, ModuleID: 1, SequenceOrder: 1})

	if _, err := f.svc.Start(t.Context(), "u1", submoduleRef(11)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := f.svc.Complete(t.Context(), "u1", submoduleRef(11), nil); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if _, err := f.svc.Save(t.Context(), "u1", submoduleRef(11), map[string]any{"x": 1}); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("Save(completed): err = %v, want ErrAlreadyCompleted", err)
	}
}

func TestCompleteWithoutStart(t *testing.T) {
	f := newServiceFixture(t)
	f.addModule(catalog.Module{ID: 1, SequenceOrder: 1})

	if _, err := f.svc.Complete(t.Context(), "u1", moduleRef(1), nil); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Complete(not started): err = %v, want ErrNotStarted", err)
	}
}

func TestCompleteTwiceReturnsAlreadyCompleted(t *testing.T) {
	f := newServiceFixture(t)
	f.addModule(catalog.Module{ID: 1, SequenceOrder: 1})

	if _, err := f.svc.Start(t.Context(), "u1", moduleRef(1)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := f.svc.Complete(t.Context(), "u1", moduleRef(1), nil); err != nil {
		t.Fatalf("first Complete() error = %v", err)
	}
	if _, err := f.svc.Complete(t.Context(), "u1", moduleRef(1), nil); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("second Complete(): err = %v, want ErrAlreadyCompleted", err)
	}
}

func TestCompleteConcurrentExactlyOneWins(t *testing.T) {
	f := newServiceFixture(t)
	f.addModule(catalog.Module{ID: 1, SequenceOrder: 1})

	if _, err := f.svc.Start(t.Context(), "u1", moduleRef(1)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	const callers = 12
	var wg sync.WaitGroup
	outcomes := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Complete(t.Context(), "u1", moduleRef(1), nil)
			outcomes <- err
		}()
	}
	wg.Wait()
	close(outcomes)

	successes, alreadyCompleted := 0, 0
	for err := range outcomes {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrAlreadyCompleted):
			alreadyCompleted++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if alreadyCompleted != callers-1 {
		t.Errorf("AlreadyCompleted = %d, want %d", alreadyCompleted, callers-1)
	}
}

func TestCompleteModuleRequiresSubmodules(t *testing.T) {
	f := newServiceFixture(t)
	f.addModule(catalog.Module{ID: 1, SequenceOrder: 1, RequiresAllSubmodules: true})
	f.addSubmodule(catalog.Submodule{ID: 11, ModuleID: 1, SequenceOrder: 1})
	f.addSubmodule(catalog.Submodule{ID: 12, ModuleID: 1, SequenceOrder: 2})

	if _, err := f.svc.Start(t.Context(), "u1", moduleRef(1)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	_, err := f.svc.Complete(t.Context(), "u1", moduleRef(1), nil)
	if !errors.Is(err, ErrIncompletePrerequisites) {
		t.Errorf("Complete(incomplete submodules): err = %v, want ErrIncompletePrerequisites", err)
	}
}

func TestSubmoduleCompletionCascadesModule(t *testing.T) {
	f := newServiceFixture(t)
	f.addModule(catalog.Module{ID: 1, SequenceOrder: 1, RequiresAllSubmodules: true})
	f.addSubmodule(catalog.Submodule{ID: 11, ModuleID: 1, SequenceOrder: 1})
	f.addSubmodule(catalog.Submodule{ID: 12, ModuleID: 1, SequenceOrder: 2})

	// Finish S1 so S2 becomes reachable, then complete out of the cascade's
	// way: completing S2 alone leaves the module record absent.
	if _, err := f.svc.Start(t.Context(), "u1", submoduleRef(11)); err != nil {
		t.Fatalf("Start(S1) error = %v", err)
	}
	res, err := f.svc.Complete(t.Context(), "u1", submoduleRef(11), nil)
	if err != nil {
		t.Fatalf("Complete(S1) error = %v", err)
	}
	if res.Cascaded != nil {
		t.Fatal("cascade fired with submodule 12 incomplete")
	}
	if _, ok, _ := f.progress.Fetch(t.Context(), "u1", moduleRef(1)); ok {
		t.Fatal("module progress record exists before cascade")
	}

	if _, err := f.svc.Start(t.Context(), "u1", submoduleRef(12)); err != nil {
		t.Fatalf("Start(S2) error = %v", err)
	}
	res, err = f.svc.Complete(t.Context(), "u1", submoduleRef(12), nil)
	if err != nil {
		t.Fatalf("Complete(S2) error = %v", err)
	}
	if res.Cascaded == nil {
		t.Fatal("cascade did not fire after all submodules completed")
	}
	if res.Cascaded.Status != StatusCompleted {
		t.Errorf("cascaded status = %q, want %q", res.Cascaded.Status, StatusCompleted)
	}
	if res.Cascaded.ResponseData["auto_completed"] != true {
		t.Errorf("cascaded payload = %v, want auto_completed marker", res.Cascaded.ResponseData)
	}
	if res.Cascaded.ResponseData["trigger_submodule_id"] != int64(12) {
		t.Errorf("trigger_submodule_id = %v, want 12", res.Cascaded.ResponseData["trigger_submodule_id"])
	}

	found := false
	for _, typ := range f.auditTypes() {
		if typ == EventCascaded {
			found = true
		}
	}
	if !found {
		t.Errorf("audit events %v missing %s", f.auditTypes(), EventCascaded)
	}
}

func TestBranchingModuleNeverCascades(t *testing.T) {
	f := newServiceFixture(t)
	// Literal all-active check: with mutually exclusive branches, one branch
	// always stays incomplete, so the cascade conservatively never fires.
	f.addModule(catalog.Module{ID: 1, SequenceOrder: 1, RequiresAllSubmodules: true, AllowsBranching: true})
	f.addSubmodule(catalog.Submodule{ID: 21, ModuleID: 1, SequenceOrder: 1, BranchName: "path-a"})
	f.addSubmodule(catalog.Submodule{ID: 22, ModuleID: 1, SequenceOrder: 1, BranchName: "path-b"})

	if _, err := f.svc.Start(t.Context(), "u1", submoduleRef(21)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	res, err := f.svc.Complete(t.Context(), "u1", submoduleRef(21), nil)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if res.Cascaded != nil {
		t.Error("cascade fired for a branching module with an alternate branch incomplete")
	}
}

func TestCompletionWritesUnlockRecords(t *testing.T) {
	f := newServiceFixture(t)
	f.addModule(catalog.Module{ID: 1, SequenceOrder: 1})
	f.addSubmodule(catalog.Submodule{ID: 11, ModuleID: 1, SequenceOrder: 1})
	f.addSubmodule(catalog.Submodule{ID: 21, ModuleID: 1, SequenceOrder: 1, BranchName: "advanced"})

	src := int64(11)
	f.catalog.PutRule(catalog.Rule{
		ID: 3, SourceModuleID: 1, SourceSubmoduleID: &src, TargetSubmoduleID: 21,
		ConditionType: catalog.ConditionQuestionAnswer,
		Condition: catalog.QuestionAnswerCondition{
			QuestionID: 9, ExpectedValue: float64(80), Operator: catalog.OpGreaterThan,
		},
		IsActive: true,
	})
	f.responses.Set("u1", 9, float64(95))

	if _, err := f.svc.Start(t.Context(), "u1", submoduleRef(11)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	res, err := f.svc.Complete(t.Context(), "u1", submoduleRef(11), nil)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if len(res.Unlocked) != 1 {
		t.Fatalf("Unlocked = %+v, want one result", res.Unlocked)
	}
	if !res.Unlocked[0].Created || res.Unlocked[0].SubmoduleID != 21 {
		t.Errorf("Unlocked[0] = %+v, want created submodule 21", res.Unlocked[0])
	}

	rec, ok, err := f.progress.Fetch(t.Context(), "u1", submoduleRef(21))
	if err != nil || !ok {
		t.Fatalf("unlock record missing: ok=%v err=%v", ok, err)
	}
	if rec.Status != StatusNotStarted {
		t.Errorf("unlock status = %q, want %q", rec.Status, StatusNotStarted)
	}
	if rec.UnlockedByRule == nil || *rec.UnlockedByRule != 3 {
		t.Errorf("UnlockedByRule = %v, want 3", rec.UnlockedByRule)
	}
}

func TestUnlockIsIdempotent(t *testing.T) {
	f := newServiceFixture(t)
	f.addModule(catalog.Module{ID: 1, SequenceOrder: 1})
	f.addSubmodule(catalog.Submodule{ID: 21, ModuleID: 1, SequenceOrder: 1, BranchName: "extra"})

	f.catalog.PutRule(catalog.Rule{
		ID: 4, SourceModuleID: 1, TargetSubmoduleID: 21,
		ConditionType: catalog.ConditionAlways, Condition: catalog.AlwaysCondition{},
		IsActive: true,
	})

	first, err := f.svc.EvaluateUnlocks(t.Context(), "u1", 1, nil)
	if err != nil {
		t.Fatalf("EvaluateUnlocks() error = %v", err)
	}
	if len(first.Unlocked) != 1 || !first.Unlocked[0].Created {
		t.Fatalf("first pass = %+v, want one created unlock", first.Unlocked)
	}

	second, err := f.svc.EvaluateUnlocks(t.Context(), "u1", 1, nil)
	if err != nil {
		t.Fatalf("repeated EvaluateUnlocks() error = %v", err)
	}
	if len(second.Unlocked) != 1 || second.Unlocked[0].Created {
		t.Errorf("second pass = %+v, want no-op unlock", second.Unlocked)
	}
}

func TestModuleStartFiresModuleLevelRules(t *testing.T) {
	f := newServiceFixture(t)
	f.addModule(catalog.Module{ID: 1, SequenceOrder: 1})
	f.addSubmodule(catalog.Submodule{ID: 21, ModuleID: 1, SequenceOrder: 1, BranchName: "intro-skip"})

	f.catalog.PutRule(catalog.Rule{
		ID: 5, SourceModuleID: 1, TargetBranch: "intro-skip",
		ConditionType: catalog.ConditionQuestionAnswer,
		Condition: catalog.QuestionAnswerCondition{
			QuestionID: 2, ExpectedValue: true, Operator: catalog.OpEquals,
		},
		IsActive: true,
	})
	f.responses.Set("u1", 2, true)

	if _, err := f.svc.Start(t.Context(), "u1", moduleRef(1)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// The branch-targeting rule resolves to the branch entry submodule.
	rec, ok, err := f.progress.Fetch(t.Context(), "u1", submoduleRef(21))
	if err != nil || !ok {
		t.Fatalf("branch entry unlock missing: ok=%v err=%v", ok, err)
	}
	if rec.UnlockedByRule == nil || *rec.UnlockedByRule != 5 {
		t.Errorf("UnlockedByRule = %v, want 5", rec.UnlockedByRule)
	}
}

func TestCompleteUnlockedButUnstartedSubmodule(t *testing.T) {
	f := newServiceFixture(t)
	f.addModule(catalog.Module{ID: 1, SequenceOrder: 1})
	f.addSubmodule(catalog.Submodule{ID: 12, ModuleID: 1, SequenceOrder: 1, BranchName: "optional"})

	f.catalog.PutRule(catalog.Rule{
		ID: 6, SourceModuleID: 1, TargetSubmoduleID: 12,
		ConditionType: catalog.ConditionAlways, Condition: catalog.AlwaysCondition{},
		IsActive: true,
	})

	// Starting the module writes a not_started unlock record for 12.
	if _, err := f.svc.Start(t.Context(), "u1", moduleRef(1)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	rec, ok, err := f.progress.Fetch(t.Context(), "u1", submoduleRef(12))
	if err != nil || !ok {
		t.Fatalf("unlock record missing: ok=%v err=%v", ok, err)
	}
	if rec.Status != StatusNotStarted {
		t.Fatalf("unlock status = %q, want %q", rec.Status, StatusNotStarted)
	}

	// The unlock marker is not a start: completion still needs one.
	if _, err := f.svc.Complete(t.Context(), "u1", submoduleRef(12), nil); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Complete(unlocked, unstarted): err = %v, want ErrNotStarted", err)
	}

	if _, err := f.svc.Start(t.Context(), "u1", submoduleRef(12)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := f.svc.Complete(t.Context(), "u1", submoduleRef(12), nil); err != nil {
		t.Errorf("Complete() after start: err = %v", err)
	}
}

func TestSaveImplicitModuleStartFiresModuleLevelRules(t *testing.T) {
	f := newServiceFixture(t)
	f.addModule(catalog.Module{ID: 1, SequenceOrder: 1})
	f.addSubmodule(catalog.Submodule{ID: 21, ModuleID: 1, SequenceOrder: 1, BranchName: "intro-skip"})

	f.catalog.PutRule(catalog.Rule{
		ID: 7, SourceModuleID: 1, TargetBranch: "intro-skip",
		ConditionType: catalog.ConditionAlways, Condition: catalog.AlwaysCondition{},
		IsActive: true,
	})

	// Save with no prior record starts the module implicitly and fires its
	// module-level rules, exactly like an explicit Start.
	if _, err := f.svc.Save(t.Context(), "u1", moduleRef(1), map[string]any{"note": "wip"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	rec, ok, err := f.progress.Fetch(t.Context(), "u1", submoduleRef(21))
	if err != nil || !ok {
		t.Fatalf("branch entry unlock missing: ok=%v err=%v", ok, err)
	}
	if rec.UnlockedByRule == nil || *rec.UnlockedByRule != 7 {
		t.Errorf("UnlockedByRule = %v, want 7", rec.UnlockedByRule)
	}

	// A Save on the now-existing record is not a second start; the unlock
	// stays attributed to the first pass and remains a single record.
	if _, err := f.svc.Save(t.Context(), "u1", moduleRef(1), map[string]any{"note": "more"}); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}
}

func TestEvaluateUnlocksUnknownModule(t *testing.T) {
	f := newServiceFixture(t)
	if _, err := f.svc.EvaluateUnlocks(t.Context(), "u1", 404, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("EvaluateUnlocks(unknown module): err = %v, want ErrNotFound", err)
	}
}

func TestCheckAccessInvalidKind(t *testing.T) {
	f := newServiceFixture(t)
	if _, err := f.svc.CheckAccess(t.Context(), "u1", ActivityRef{Kind: "lesson", ID: 1}); err == nil {
		t.Error("CheckAccess(invalid kind) should fail")
	}
}

func TestAuditFailureDoesNotFailOperation(t *testing.T) {
	cat := catalog.NewMemoryStore()
	cat.PutModule(catalog.Module{ID: 1, SequenceOrder: 1, IsActive: true})
	svc := NewService(ServiceConfig{
		Activities: cat,
		Rules:      cat,
		Audit:      failingSink{},
	})

	if _, err := svc.Start(t.Context(), "u1", moduleRef(1)); err != nil {
		t.Errorf("Start() with failing audit sink: err = %v, want nil", err)
	}
}

type failingSink struct{}

func (failingSink) Record(_ context.Context, _, _ string, _ map[string]any) error {
	return errors.New("sink down")
}
