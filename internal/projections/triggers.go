package projections

import (
	"context"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// EmbedFunc computes an embedding vector for text, mirroring
// internal/memory.EmbedFunc. Duplicated rather than shared: the two stores
// are independent collaborators and a shared embedding package would couple
// them for no real benefit (per DESIGN.md).
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// identifierPattern matches worker ids and UUID-like prefixes, which are
// never worth a semantic-similarity pass: they either appear verbatim in a
// fact or they don't.
var identifierPattern = regexp.MustCompile(`(?i)(w-[0-9a-f]{6,}|[0-9a-f]{8}-[0-9a-f]{4}-)`)

var wordPattern = regexp.MustCompile(`[a-zA-Z0-9]+`)

const defaultTriggerThreshold = 0.55

// CheckTriggers scans pending fact-triggered projections against newFact's
// content. Phase 1 is a fast case-insensitive substring/keyword match.
// Phase 2, only reached when embed is non-nil and trigger_on_fact does not
// look like an identifier, falls back to cosine similarity at threshold (0
// uses defaultTriggerThreshold). Matching projections are activated —
// resolved_when set to now, resolution set to 'exact', trigger_on_fact
// cleared, status left 'pending' so the next exact-time tick picks them up
// — and their ids returned.
func (s *Store) CheckTriggers(ctx context.Context, newFactContent string, embed EmbedFunc, threshold float64) ([]string, error) {
	if threshold <= 0 {
		threshold = defaultTriggerThreshold
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger_on_fact FROM projections
		WHERE status = 'pending' AND trigger_on_fact IS NOT NULL AND trigger_on_fact != ''
	`)
	if err != nil {
		return nil, store.WrapDbError("check triggers scan", err)
	}
	type candidate struct {
		id, trigger string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.trigger); err != nil {
			rows.Close()
			return nil, store.WrapDbError("check triggers row", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()

	factLower := strings.ToLower(newFactContent)
	factTokens := tokenSet(factLower)

	var factVec []float32
	var factVecLoaded bool

	var matched []string
	for _, c := range candidates {
		if keywordMatch(c.trigger, factLower, factTokens) {
			matched = append(matched, c.id)
			continue
		}
		if embed == nil || identifierPattern.MatchString(strings.TrimSpace(c.trigger)) {
			continue
		}
		if !factVecLoaded {
			factVec, _ = embed(ctx, newFactContent)
			factVecLoaded = true
		}
		if len(factVec) == 0 {
			continue
		}
		triggerVec, err := embed(ctx, c.trigger)
		if err != nil || len(triggerVec) == 0 {
			continue
		}
		if cosineSimilarity(factVec, triggerVec) >= threshold {
			matched = append(matched, c.id)
		}
	}

	for _, id := range matched {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE projections SET resolved_when = datetime('now'), resolution = 'exact', trigger_on_fact = NULL
			WHERE id = ? AND status = 'pending'
		`, id); err != nil {
			return nil, store.WrapDbError("check triggers activate", err)
		}
	}
	return matched, nil
}

func keywordMatch(trigger, factLower string, factTokens map[string]bool) bool {
	triggerLower := strings.ToLower(strings.TrimSpace(trigger))
	if triggerLower == "" {
		return false
	}
	if strings.Contains(factLower, triggerLower) {
		return true
	}
	toks := tokenize(triggerLower)
	if len(toks) == 0 {
		return false
	}
	for _, tok := range toks {
		if !strings.Contains(factLower, tok) {
			return false
		}
	}
	return true
}

func tokenize(s string) []string {
	return wordPattern.FindAllString(s, -1)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range tokenize(s) {
		set[tok] = true
	}
	return set
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

// AutoExpire transitions pending, non-someday projections whose
// resolved_when has passed the staleness threshold to 'passed': 1 hour for
// resolution=exact, thresholdHours (0 defaults to 24) for every coarser
// resolution. Returns the number of projections expired.
func (s *Store) AutoExpire(ctx context.Context, thresholdHours int) (int, error) {
	if thresholdHours <= 0 {
		thresholdHours = 24
	}
	now := time.Now().UTC()
	exactCutoff := now.Add(-1 * time.Hour).Format(timeLayout)
	coarseCutoff := now.Add(-time.Duration(thresholdHours) * time.Hour).Format(timeLayout)

	res, err := s.db.ExecContext(ctx, `
		UPDATE projections SET status = 'passed', resolved_at = datetime('now')
		WHERE status = 'pending' AND resolution != 'someday' AND resolved_when IS NOT NULL
		  AND (
		    (resolution = 'exact' AND resolved_when <= ?)
		    OR (resolution != 'exact' AND resolved_when <= ?)
		  )
	`, exactCutoff, coarseCutoff)
	if err != nil {
		return 0, store.WrapDbError("auto expire", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, store.WrapDbError("auto expire rows affected", err)
	}
	return int(n), nil
}
