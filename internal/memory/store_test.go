package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

func openTestStore(t *testing.T, embed EmbedFunc) *Store {
	t.Helper()
	dir := t.TempDir()
	db, err := store.OpenUserDB(filepath.Join(dir, "memory.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := Open(db, embed)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestAddAndSearchFactsRecencyFallback(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()

	if _, err := s.AddFact(ctx, "worker w-abc123 complete, results at files/workers/w-abc123/result.md", "worker"); err != nil {
		t.Fatalf("add fact: %v", err)
	}
	if _, err := s.AddFact(ctx, "user likes dark roast coffee", "chat"); err != nil {
		t.Fatalf("add fact: %v", err)
	}

	facts, err := s.SearchFacts(ctx, "anything", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("expected 2 facts, got %d", len(facts))
	}
	// Most recent first without an embed func.
	if facts[0].Content != "user likes dark roast coffee" {
		t.Errorf("expected most recent fact first, got %q", facts[0].Content)
	}
}

func TestSearchFactsWithEmbeddingRanksBySimilarity(t *testing.T) {
	vectors := map[string][]float32{
		"coffee preference":  {1, 0, 0},
		"likes dark roast":   {0.9, 0.1, 0},
		"worker job done":    {0, 1, 0},
	}
	embed := func(_ context.Context, text string) ([]float32, error) {
		return vectors[text], nil
	}
	s := openTestStore(t, embed)
	ctx := context.Background()

	if _, err := s.AddFact(ctx, "likes dark roast", "chat"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := s.AddFact(ctx, "worker job done", "worker"); err != nil {
		t.Fatalf("add: %v", err)
	}

	facts, err := s.SearchFacts(ctx, "coffee preference", 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(facts) != 1 || facts[0].Content != "likes dark roast" {
		t.Fatalf("expected coffee-related fact ranked first, got %+v", facts)
	}
}

func TestBuildContextEmpty(t *testing.T) {
	s := openTestStore(t, nil)
	out, err := s.BuildContext(context.Background(), "anything", 5)
	if err != nil {
		t.Fatalf("build context: %v", err)
	}
	if out != "" {
		t.Errorf("expected empty context for empty store, got %q", out)
	}
}
