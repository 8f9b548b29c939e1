package projections

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	db, err := store.OpenUserDB(filepath.Join(dir, "memory.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := Open(db)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestAddAndGetUpcoming(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	soon := time.Now().UTC().Add(2 * time.Hour)
	id, err := s.Add(ctx, AddInput{
		Summary:      "renew passport",
		RawWhen:      "in a couple hours",
		ResolvedWhen: &soon,
		Resolution:   ResolutionExact,
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty id")
	}

	upcoming, err := s.GetUpcoming(ctx, 7)
	if err != nil {
		t.Fatalf("get upcoming: %v", err)
	}
	if len(upcoming) != 1 || upcoming[0].ID != id {
		t.Fatalf("expected the new projection in upcoming, got %+v", upcoming)
	}
}

func TestLinkDependencyRejectsSelfDependency(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Add(ctx, AddInput{Summary: "a", Resolution: ResolutionSomeday})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	_, err = s.LinkDependency(ctx, id, id, string(StatusDone), ConditionStatusChange)
	if _, ok := err.(*InvariantError); !ok {
		t.Fatalf("expected InvariantError for self-dependency, got %v", err)
	}
}

func TestLinkDependencyRejectsMissingSubject(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	observer, err := s.Add(ctx, AddInput{Summary: "a", Resolution: ResolutionSomeday})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	_, err = s.LinkDependency(ctx, observer, "does-not-exist", string(StatusDone), ConditionStatusChange)
	if _, ok := err.(*InvariantError); !ok {
		t.Fatalf("expected InvariantError for missing subject, got %v", err)
	}
}

func TestLinkDependencyRejectsCycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, err := s.Add(ctx, AddInput{Summary: "a", Resolution: ResolutionSomeday})
	if err != nil {
		t.Fatalf("add a: %v", err)
	}
	b, err := s.Add(ctx, AddInput{Summary: "b", Resolution: ResolutionSomeday})
	if err != nil {
		t.Fatalf("add b: %v", err)
	}

	// a depends on b.
	if _, err := s.LinkDependency(ctx, a, b, string(StatusDone), ConditionStatusChange); err != nil {
		t.Fatalf("link a->b: %v", err)
	}

	// b depends on a would close a cycle.
	_, err = s.LinkDependency(ctx, b, a, string(StatusDone), ConditionStatusChange)
	if _, ok := err.(*InvariantError); !ok {
		t.Fatalf("expected InvariantError for cycle, got %v", err)
	}
}

func TestLinkDependencyRejectsExcessiveDepth(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ids := make([]string, 0, MaxDependencyDepth+2)
	for i := 0; i < MaxDependencyDepth+2; i++ {
		id, err := s.Add(ctx, AddInput{Summary: "node", Resolution: ResolutionSomeday})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		ids = append(ids, id)
	}

	// Chain ids[0] -> ids[1] -> ... -> ids[MaxDependencyDepth], each link
	// observer depends on subject, giving a chain of MaxDependencyDepth edges.
	for i := 0; i < MaxDependencyDepth; i++ {
		if _, err := s.LinkDependency(ctx, ids[i], ids[i+1], string(StatusDone), ConditionStatusChange); err != nil {
			t.Fatalf("link %d->%d: %v", i, i+1, err)
		}
	}

	// One more link extending the chain must exceed MaxDependencyDepth.
	_, err := s.LinkDependency(ctx, ids[MaxDependencyDepth], ids[MaxDependencyDepth+1], string(StatusDone), ConditionStatusChange)
	if _, ok := err.(*InvariantError); !ok {
		t.Fatalf("expected InvariantError for excessive depth, got %v", err)
	}
}

func TestEvaluateDependenciesActivatesOnStatusChange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	subject, err := s.Add(ctx, AddInput{Summary: "file taxes", Resolution: ResolutionSomeday})
	if err != nil {
		t.Fatalf("add subject: %v", err)
	}
	observer, err := s.Add(ctx, AddInput{
		Summary:    "celebrate taxes done",
		Resolution: ResolutionSomeday,
		DependsOn: []DependencyInput{
			{SubjectID: subject, Condition: string(StatusDone), ConditionType: ConditionStatusChange},
		},
	})
	if err != nil {
		t.Fatalf("add observer: %v", err)
	}

	activated, err := s.EvaluateDependencies(ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if activated != 0 {
		t.Fatalf("expected no activation before subject resolves, got %d", activated)
	}

	if ok, err := s.Resolve(ctx, subject, StatusDone); err != nil || !ok {
		t.Fatalf("resolve subject: ok=%v err=%v", ok, err)
	}

	activated, err = s.EvaluateDependencies(ctx)
	if err != nil {
		t.Fatalf("evaluate after resolve: %v", err)
	}
	if activated != 1 {
		t.Fatalf("expected 1 activation, got %d", activated)
	}

	deps, err := s.GetDependencies(ctx, observer)
	if err != nil {
		t.Fatalf("get dependencies: %v", err)
	}
	if len(deps) != 0 {
		t.Fatalf("expected dependency rows cleared after activation, got %+v", deps)
	}
}

func TestCheckTriggersKeywordMatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	trigger := "w-abc123 worker finished"
	id, err := s.Add(ctx, AddInput{
		Summary:       "review worker output",
		Resolution:    ResolutionSomeday,
		TriggerOnFact: &trigger,
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	matched, err := s.CheckTriggers(ctx, "worker w-abc123 finished successfully", nil, 0)
	if err != nil {
		t.Fatalf("check triggers: %v", err)
	}
	if len(matched) != 1 || matched[0] != id {
		t.Fatalf("expected trigger match, got %+v", matched)
	}

	due, err := s.GetExactDue(ctx, 60)
	if err != nil {
		t.Fatalf("get exact due: %v", err)
	}
	var found *Projection
	for i := range due {
		if due[i].ID == id {
			found = &due[i]
		}
	}
	if found == nil {
		t.Fatalf("expected activated trigger to become exact-due, got %+v", due)
	}
	if found.Status != StatusPending {
		t.Fatalf("expected activated projection to remain pending, got %q", found.Status)
	}
	if found.Resolution != ResolutionExact {
		t.Fatalf("expected activated projection to become resolution=exact, got %q", found.Resolution)
	}
	if found.TriggerOnFact != nil {
		t.Fatalf("expected trigger_on_fact to be cleared, got %q", *found.TriggerOnFact)
	}
}

func TestAutoExpirePassesStaleExact(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-2 * time.Hour)
	id, err := s.Add(ctx, AddInput{
		Summary:      "already happened",
		Resolution:   ResolutionExact,
		ResolvedWhen: &past,
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	n, err := s.AutoExpire(ctx, 0)
	if err != nil {
		t.Fatalf("auto expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired, got %d", n)
	}

	upcoming, err := s.GetUpcoming(ctx, 7)
	if err != nil {
		t.Fatalf("get upcoming: %v", err)
	}
	for _, proj := range upcoming {
		if proj.ID == id {
			t.Fatalf("expected expired projection to drop out of upcoming")
		}
	}
}

func TestAutoExpireLeavesSomedayAlone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-48 * time.Hour)
	if _, err := s.Add(ctx, AddInput{
		Summary:      "eventually",
		Resolution:   ResolutionSomeday,
		ResolvedWhen: &past,
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	n, err := s.AutoExpire(ctx, 24)
	if err != nil {
		t.Fatalf("auto expire: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected someday projection to never auto-expire, got %d", n)
	}
}
