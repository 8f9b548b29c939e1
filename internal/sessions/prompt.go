package sessions

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/goclaw/internal/projections"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

// SystemPromptInputs bundles the closure's sources: static prompt, the
// current tool list, archival memory context, and the store to pull
// upcoming projections from. Re-rendered on every reload so the agent sees
// changes its own previous turn made to memory or projections.
type SystemPromptInputs struct {
	StaticPrompt  string
	ToolNames     []string
	MemoryContext string
	Projections   *projections.Store
}

// RenderSystemPrompt builds the session's system prompt fresh: static
// prompt, tool list, core memory, then upcoming projections filtered by
// AutoExpire(24) first so stale items never appear in the rendered list.
func RenderSystemPrompt(ctx context.Context, in SystemPromptInputs) (string, error) {
	var sb strings.Builder
	sb.WriteString(in.StaticPrompt)
	sb.WriteString("\n\n")

	if len(in.ToolNames) > 0 {
		sb.WriteString("Available tools: ")
		sb.WriteString(strings.Join(in.ToolNames, ", "))
		sb.WriteString("\n\n")
	}

	if in.MemoryContext != "" {
		sb.WriteString(in.MemoryContext)
		sb.WriteString("\n")
	}

	if in.Projections != nil {
		if _, err := in.Projections.AutoExpire(ctx, 24); err != nil {
			return "", fmt.Errorf("auto expire before prompt render: %w", err)
		}
		upcoming, err := in.Projections.GetUpcoming(ctx, 7)
		if err != nil {
			return "", fmt.Errorf("get upcoming for prompt render: %w", err)
		}
		if len(upcoming) > 0 {
			sb.WriteString("Upcoming commitments:\n")
			for _, p := range upcoming {
				sb.WriteString("- ")
				sb.WriteString(p.Summary)
				if p.RawWhen != "" {
					sb.WriteString(" (")
					sb.WriteString(p.RawWhen)
					sb.WriteString(")")
				}
				sb.WriteString("\n")
			}
		}
	}

	return sb.String(), nil
}

// PromptFailed reports whether an LLM call should be treated as having
// failed for fallback purposes: either it threw, or the last assistant
// message reports stopReason=error.
func PromptFailed(resp *providers.ChatResponse, err error) bool {
	if err != nil {
		return true
	}
	return resp != nil && resp.FinishReason == "error"
}

// PromptWithFallback tries the primary model, then each fallback in order.
// Both a thrown error and a response with FinishReason "error" count as
// failure and advance to the next model. On exhaustion the last error (or
// a synthesized one, if the provider returned FinishReason=error without an
// error value) is returned.
func PromptWithFallback(ctx context.Context, provider providers.Provider, req providers.ChatRequest, models []string) (*providers.ChatResponse, string, error) {
	if len(models) == 0 {
		models = []string{req.Model}
	}

	var lastErr error
	for _, model := range models {
		req.Model = model
		resp, err := provider.Chat(ctx, req)
		if !PromptFailed(resp, err) {
			return resp, model, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("model %s reported finish_reason=error", model)
		}
	}
	return nil, "", lastErr
}
