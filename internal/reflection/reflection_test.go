package reflection

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/audit"
	"github.com/nextlevelbuilder/goclaw/internal/projections"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

func openTestStore(t *testing.T) *projections.Store {
	t.Helper()
	dir := t.TempDir()
	db, err := store.OpenUserDB(filepath.Join(dir, "memory.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := projections.Open(db)
	if err != nil {
		t.Fatalf("open projection store: %v", err)
	}
	return s
}

func TestRunSkipsWhenNoNewHistory(t *testing.T) {
	historyDir := t.TempDir()
	h, err := audit.NewHistoryLog(historyDir)
	if err != nil {
		t.Fatalf("new history log: %v", err)
	}

	called := false
	provider := providers.NewStubProvider("stub", "stub-model")
	provider.Reply = func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		called = true
		return &providers.ChatResponse{FinishReason: "stop", Content: `{"project":[],"archive":[]}`}, nil
	}

	r := New(Config{History: h, Provider: provider, Models: []string{"stub-model"}})
	result, err := r.Run(context.Background(), UserStore{UserID: "u1", Store: openTestStore(t)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Skipped {
		t.Fatal("expected skipped=true with no history entries")
	}
	if called {
		t.Fatal("expected no LLM call when reflection is skipped")
	}
}

func TestRunInsertsProjectedItemsAndArchives(t *testing.T) {
	historyDir := t.TempDir()
	h, err := audit.NewHistoryLog(historyDir)
	if err != nil {
		t.Fatalf("new history log: %v", err)
	}
	if err := h.Append(audit.HistoryEntry{Role: "user", Content: "remind me to call the dentist next week", UserID: "u1"}); err != nil {
		t.Fatalf("append history: %v", err)
	}

	ps := openTestStore(t)
	existingID, err := ps.Add(context.Background(), projections.AddInput{
		Summary:    "outdated item",
		Resolution: projections.ResolutionSomeday,
	})
	if err != nil {
		t.Fatalf("seed projection: %v", err)
	}

	provider := providers.NewStubProvider("stub", "stub-model")
	provider.Reply = func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{FinishReason: "stop", Content: "```json\n" +
			`{"project":[{"summary":"call the dentist","raw_when":"next week","resolution":"week"}],` +
			`"archive":[{"id":"` + existingID + `","reason":"superseded"}]}` +
			"\n```"}, nil
	}

	r := New(Config{History: h, Provider: provider, Models: []string{"stub-model"}})
	result, err := r.Run(context.Background(), UserStore{UserID: "u1", Store: ps})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Skipped {
		t.Fatal("expected a real pass, not skipped")
	}
	if result.Projected != 1 {
		t.Fatalf("expected 1 projected item, got %d", result.Projected)
	}
	if result.Archived != 1 {
		t.Fatalf("expected 1 archived item, got %d", result.Archived)
	}

	upcoming, err := ps.GetUpcoming(context.Background(), 30)
	if err != nil {
		t.Fatalf("get upcoming: %v", err)
	}
	found := false
	for _, p := range upcoming {
		if p.Summary == "call the dentist" {
			found = true
		}
		if p.ID == existingID {
			t.Fatal("expected archived projection to no longer be upcoming")
		}
	}
	if !found {
		t.Fatal("expected the new projection to be present")
	}
}

func TestRunSecondPassSkipsAfterMetaSaved(t *testing.T) {
	historyDir := t.TempDir()
	h, err := audit.NewHistoryLog(historyDir)
	if err != nil {
		t.Fatalf("new history log: %v", err)
	}
	if err := h.Append(audit.HistoryEntry{Role: "user", Content: "hello", UserID: "u1"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	provider := providers.NewStubProvider("stub", "stub-model")
	provider.Reply = func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{FinishReason: "stop", Content: `{"project":[],"archive":[]}`}, nil
	}

	callCount := 0
	wrapped := providers.NewStubProvider("stub", "stub-model")
	wrapped.Reply = func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		callCount++
		return provider.Chat(context.Background(), req)
	}

	ps := openTestStore(t)
	r := New(Config{History: h, Provider: wrapped, Models: []string{"stub-model"}})

	if _, err := r.Run(context.Background(), UserStore{UserID: "u1", Store: ps}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if callCount != 1 {
		t.Fatalf("expected exactly one LLM call on first pass, got %d", callCount)
	}

	result, err := r.Run(context.Background(), UserStore{UserID: "u1", Store: ps})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !result.Skipped {
		t.Fatal("expected second pass to skip since no new history arrived")
	}
	if callCount != 1 {
		t.Fatalf("expected no additional LLM call on skip, got %d total calls", callCount)
	}
}
