package reflection

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/audit"
	"github.com/nextlevelbuilder/goclaw/internal/projections"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
)

const (
	// Interval is the background job's cadence.
	Interval = 30 * time.Minute

	timeLayout = time.RFC3339
)

// UserStore bundles one user's ProjectionStore handle with the
// identifying fields a Runner needs to run the pass.
type UserStore struct {
	UserID string
	Store  *projections.Store
}

// Config wires the Runner's collaborators.
type Config struct {
	History   *audit.HistoryLog
	Provider  providers.Provider
	Models    []string // primary + fallback chain, per sessions.PromptWithFallback
	Now       func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// Runner executes one reflection pass per call to Run.
type Runner struct {
	cfg Config
}

func New(cfg Config) *Runner {
	return &Runner{cfg: cfg.withDefaults()}
}

// Run executes the reflection pass for one user. Returns Skipped=true and
// performs no LLM call if there are no audit-log entries newer than the
// stored last_reflection timestamp (spec.md 4.G / section 8's reflection
// gating invariant).
func (r *Runner) Run(ctx context.Context, us UserStore) (Result, error) {
	now := r.cfg.Now()
	result := Result{UserID: us.UserID, RanAt: now}

	since, err := r.lastReflection(ctx, us.Store)
	if err != nil {
		return result, fmt.Errorf("reflection: read last_reflection: %w", err)
	}

	entries, err := r.cfg.History.ReadSince(us.UserID, since)
	if err != nil {
		return result, fmt.Errorf("reflection: read history: %w", err)
	}
	if len(entries) == 0 {
		result.Skipped = true
		return result, nil
	}

	upcoming, err := us.Store.GetUpcoming(ctx, 30)
	if err != nil {
		return result, fmt.Errorf("reflection: get upcoming: %w", err)
	}

	prompt := buildPrompt(entries, upcoming)
	resp, _, err := sessions.PromptWithFallback(ctx, r.cfg.Provider, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: reflectionSystemPrompt},
			{Role: "user", Content: prompt},
		},
		Options: map[string]interface{}{"temperature": 0},
	}, r.cfg.Models)
	if err != nil {
		return result, fmt.Errorf("reflection: prompt: %w", err)
	}

	out, err := parseModelOutput(resp.Content)
	if err != nil {
		return result, fmt.Errorf("reflection: parse model output: %w", err)
	}

	for _, item := range out.Project {
		if strings.TrimSpace(item.Summary) == "" {
			continue
		}
		in := projections.AddInput{
			Summary:       item.Summary,
			RawWhen:       item.RawWhen,
			Context:       item.Context,
			LinkedIDs:     item.LinkedIDs,
			Resolution:    projections.Resolution(item.Resolution),
		}
		if item.Resolution == "" {
			in.Resolution = projections.ResolutionSomeday
		}
		if item.ResolvedWhen != "" {
			if t, perr := time.Parse(timeLayout, item.ResolvedWhen); perr == nil {
				in.ResolvedWhen = &t
			}
		}
		if item.TriggerOnFact != "" {
			tf := item.TriggerOnFact
			in.TriggerOnFact = &tf
		}
		if _, err := us.Store.Add(ctx, in); err != nil {
			continue // a single malformed model item must not abort the pass
		}
		result.Projected++
	}

	for _, item := range out.Archive {
		if item.ID == "" {
			continue
		}
		if ok, _ := us.Store.Resolve(ctx, item.ID, projections.StatusCancelled); ok {
			result.Archived++
		}
	}

	if err := us.Store.SetMeta(ctx, lastReflectionMetaKey, now.Format(time.RFC3339Nano)); err != nil {
		return result, fmt.Errorf("reflection: save last_reflection: %w", err)
	}
	return result, nil
}

func (r *Runner) lastReflection(ctx context.Context, store *projections.Store) (time.Time, error) {
	value, ok, err := store.GetMeta(ctx, lastReflectionMetaKey)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, nil // never run: treat all history as new
	}
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, nil
	}
	return t, nil
}

const reflectionSystemPrompt = `You review a user's recent conversation transcript and their currently
pending commitments. Identify commitments mentioned in the transcript that
are not yet tracked, and commitments that are tracked but now look
resolved, cancelled, or superseded by what was said. Respond with a single
JSON object and nothing else:
{"project": [{"summary": "...", "raw_when": "...", "resolved_when": "RFC3339 or omitted", "resolution": "exact|day|week|month|someday", "context": "...", "trigger_on_fact": "optional keyword phrase"}], "archive": [{"id": "...", "reason": "..."}]}
Only include items you are confident about. Use empty arrays when there is
nothing to report.`

func buildPrompt(entries []audit.HistoryEntry, upcoming []projections.Projection) string {
	var sb strings.Builder
	sb.WriteString("Pending commitments:\n")
	if len(upcoming) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, p := range upcoming {
		sb.WriteString(fmt.Sprintf("- id=%s summary=%q when=%q resolution=%s\n", p.ID, p.Summary, p.RawWhen, p.Resolution))
	}
	sb.WriteString("\nTranscript since last reflection:\n")
	for _, e := range entries {
		sb.WriteString(fmt.Sprintf("[%s] %s: %s\n", e.Timestamp.Format(time.RFC3339), e.Role, e.Content))
	}
	return sb.String()
}

// parseModelOutput tolerates a ```json ... ``` fence wrapper around the
// response, the same liberal-parsing idiom the config loader applies to
// stray JSON punctuation.
func parseModelOutput(content string) (modelOutput, error) {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var out modelOutput
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return modelOutput{}, err
	}
	return out, nil
}
