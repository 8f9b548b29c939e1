// Package reflection implements the offline ProjectionReflection pass
// (spec.md 4.G): every 30 minutes, read the recent audit-log transcript
// for a user, ask the model in one non-agentic completion to surface
// missed commitments, and insert survivors into the ProjectionStore.
//
// Grounded on internal/sessions/prompt.go's PromptWithFallback for the
// single-shot LLM call (no tool loop: request has no Tools, one Chat call,
// no retry against FinishReason besides the fallback chain) and on
// internal/config/config_load.go's tolerance for stray JSON punctuation,
// applied here to stripping an optional ```json fence from the model's
// response before unmarshalling.
package reflection

import "time"

// Result summarizes one reflection pass, returned for logging/telemetry.
type Result struct {
	UserID    string
	Skipped   bool
	Projected int
	Archived  int
	RanAt     time.Time
}

// modelOutput is the tolerant JSON shape the single-shot prompt asks the
// model to emit: {"project": [...], "archive": [...]}.
type modelOutput struct {
	Project []projectedItem `json:"project"`
	Archive []archivedItem  `json:"archive"`
}

// projectedItem mirrors projections.AddInput's user-facing fields; the
// model is asked to emit exactly these keys.
type projectedItem struct {
	Summary       string   `json:"summary"`
	RawWhen       string   `json:"raw_when,omitempty"`
	ResolvedWhen  string   `json:"resolved_when,omitempty"`
	Resolution    string   `json:"resolution,omitempty"`
	TriggerOnFact string   `json:"trigger_on_fact,omitempty"`
	Context       string   `json:"context,omitempty"`
	LinkedIDs     []string `json:"linked_ids,omitempty"`
}

// archivedItem names a pending projection id the model judges no longer
// relevant (the commitment passed or was superseded by conversation, but
// autoExpire's clock-only rule hasn't caught it yet).
type archivedItem struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

const lastReflectionMetaKey = "last_reflection"
