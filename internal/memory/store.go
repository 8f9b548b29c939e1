// Package memory is the archival fact store: short free-text memories with
// an optional embedding vector, searchable by recency and semantic
// similarity. spec.md calls this collaborator "external" (section 1), but
// ProjectionStore.checkTriggers and ProjectionReflection both depend on its
// Add/Search surface to exist, so a concrete implementation lives here.
//
// Grounded directly on _examples/nevindra-oasis/memory/sqlite/sqlite.go:
// same brute-force cosine-similarity scan (no vector index), same
// JSON-bracket-list text serialization for embeddings. The schema is a
// single CREATE TABLE IF NOT EXISTS; no column migrations are applied.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// Fact is one archival memory entry.
type Fact struct {
	ID        string
	Content   string
	Source    string
	Embedding []float32
	CreatedAt time.Time
}

// EmbedFunc computes an embedding vector for text. Optional: when nil,
// Store falls back to recency-only search, matching spec.md's design note
// that embedding readiness must never block the critical path.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Store is a per-user archival memory backed by SQLite.
type Store struct {
	db    *sql.DB
	embed EmbedFunc
}

// Open creates/opens the fact table in an already-opened user database.
// Sharing the *sql.DB with ProjectionStore keeps one connection per user,
// matching spec.md section 5's "one connection per user" shared-resource
// policy.
func Open(db *sql.DB, embed EmbedFunc) (*Store, error) {
	s := &Store{db: db, embed: embed}
	if err := s.init(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			embedding TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	if err != nil {
		return store.WrapDbError("init facts", err)
	}
	return nil
}

// AddFact archives a fact, computing an embedding when an EmbedFunc is
// configured. Returns the new fact's id.
func (s *Store) AddFact(ctx context.Context, content, source string) (string, error) {
	id := uuid.NewString()
	var embStr string
	if s.embed != nil {
		if vec, err := s.embed(ctx, content); err == nil {
			embStr = serializeEmbedding(vec)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO facts (id, content, source, embedding, created_at) VALUES (?, ?, ?, ?, datetime('now'))`,
		id, content, source, embStr)
	if err != nil {
		return "", store.WrapDbError("add fact", err)
	}
	return id, nil
}

// SearchFacts returns up to limit facts ranked by cosine similarity to
// query's embedding (when available), falling back to most-recent-first.
func (s *Store) SearchFacts(ctx context.Context, query string, limit int) ([]Fact, error) {
	all, err := s.allFacts(ctx)
	if err != nil {
		return nil, err
	}

	if s.embed == nil {
		sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
		return truncate(all, limit), nil
	}

	qvec, err := s.embed(ctx, query)
	if err != nil || len(qvec) == 0 {
		sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
		return truncate(all, limit), nil
	}

	type scored struct {
		fact  Fact
		score float64
	}
	var ranked []scored
	for _, f := range all {
		if len(f.Embedding) == 0 {
			continue
		}
		ranked = append(ranked, scored{fact: f, score: cosineSimilarity(qvec, f.Embedding)})
	}
	// Selection sort by score descending, matching the teacher's style.
	for i := 0; i < len(ranked); i++ {
		best := i
		for j := i + 1; j < len(ranked); j++ {
			if ranked[j].score > ranked[best].score {
				best = j
			}
		}
		ranked[i], ranked[best] = ranked[best], ranked[i]
	}
	out := make([]Fact, 0, limit)
	for _, r := range ranked {
		if len(out) >= limit {
			break
		}
		out = append(out, r.fact)
	}
	return out, nil
}

// BuildContext renders the top facts matching query as a prompt-ready block.
func (s *Store) BuildContext(ctx context.Context, query string, limit int) (string, error) {
	facts, err := s.SearchFacts(ctx, query, limit)
	if err != nil {
		return "", err
	}
	if len(facts) == 0 {
		return "", nil
	}
	var sb strings.Builder
	sb.WriteString("Relevant memory:\n")
	for _, f := range facts {
		sb.WriteString("- ")
		sb.WriteString(f.Content)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func (s *Store) allFacts(ctx context.Context) ([]Fact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, content, source, embedding, created_at FROM facts ORDER BY rowid DESC`)
	if err != nil {
		return nil, store.WrapDbError("query facts", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		var f Fact
		var embStr, createdStr string
		if err := rows.Scan(&f.ID, &f.Content, &f.Source, &embStr, &createdStr); err != nil {
			return nil, store.WrapDbError("scan fact", err)
		}
		f.Embedding = deserializeEmbedding(embStr)
		f.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdStr)
		out = append(out, f)
	}
	return out, rows.Err()
}

func truncate(facts []Fact, limit int) []Fact {
	if limit > 0 && len(facts) > limit {
		return facts[:limit]
	}
	return facts
}

// serializeEmbedding renders a vector as a JSON bracket-list string, the
// same text format nevindra-oasis uses so the value round-trips through a
// plain TEXT column without a vector extension.
func serializeEmbedding(vec []float32) string {
	if len(vec) == 0 {
		return ""
	}
	data, err := json.Marshal(vec)
	if err != nil {
		return ""
	}
	return string(data)
}

func deserializeEmbedding(s string) []float32 {
	if s == "" {
		return nil
	}
	var vec []float32
	if err := json.Unmarshal([]byte(s), &vec); err != nil {
		return nil
	}
	return vec
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
