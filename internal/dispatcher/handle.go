package dispatcher

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/goclaw/internal/audit"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/recovery"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
)

// Handle runs one Dispatcher turn for a drained, burst-merged message.
// rawOrigin is non-empty for synthetic messages (scheduler, worker
// trigger, approval response) — such turns skip the checkpoint write
// since there is no "in-flight user message" to recover.
func (d *Dispatcher) Handle(ctx context.Context, userID, channelID, platform, text string, images []string, rawOrigin string) {
	var span trace.Span
	ctx, span = d.cfg.Tracer.StartTurn(ctx, userID, platform)
	defer span.End()

	isRealUserMessage := rawOrigin == ""

	if isRealUserMessage {
		if len(text) > MaxMessageChars {
			d.reply(channelID, platform, "That message is too long; please split it up.")
			return
		}
		if d.handleCommand(userID, channelID, platform, text) {
			return
		}
		if resolved, toolName, approved := d.cfg.Approval.ResolveFromMessage(userID, text); resolved {
			d.cfg.History.Append(audit.HistoryEntry{Role: "system", Content: fmt.Sprintf("approval %s for %s: %v", userID, toolName, approved), UserID: userID, ChannelID: channelID, Platform: platform})
		}
	}

	session, recovered, err := d.cfg.Sessions.GetOrLoad(userID)
	if err != nil {
		d.reply(channelID, platform, "Something went wrong loading your session; please try again.")
		return
	}
	if recovered {
		d.reply(channelID, platform, "I recovered from a corrupted session; your recent history may be incomplete.")
	}
	_ = session

	if isRealUserMessage {
		if err := d.cfg.Recovery.WriteCheckpoint(userID, recovery.Checkpoint{Text: text, ChannelID: channelID, Platform: platform}); err != nil {
			// A failed checkpoint write must not block the user's turn;
			// crash recovery degrades, it never blocks normal operation.
			_ = err
		}
		defer d.cfg.Recovery.DeleteCheckpoint(userID)
	}

	d.cfg.Sessions.AddMessage(userID, providers.Message{Role: "user", Content: text}, isRealUserMessage)
	if isRealUserMessage {
		d.cfg.History.Append(audit.HistoryEntry{Role: "user", Content: text, UserID: userID, ChannelID: channelID, Platform: platform})
	}

	reply, usage, err := d.runTurn(ctx, userID, channelID, platform)
	if err != nil {
		d.reply(channelID, platform, "I hit an error processing that; please try again.")
		return
	}

	if usage != nil {
		d.cfg.Sessions.AccumulateTokens(userID, int64(usage.PromptTokens), int64(usage.CompletionTokens))
	}

	if reply == "" || reply == SilentReplySentinel {
		return
	}
	d.cfg.Send(bus.OutboundMessage{Channel: platform, ChatID: channelID, Content: reply})
	d.cfg.History.Append(audit.HistoryEntry{Role: "assistant", Content: reply, UserID: userID, ChannelID: channelID, Platform: platform})
}

// runTurn executes the bounded think/act/observe loop: prompt, execute
// any requested tool calls, append their results, and re-prompt — up to
// maxToolIterations — until the model returns a plain assistant message.
func (d *Dispatcher) runTurn(ctx context.Context, userID, channelID, platform string) (string, *providers.Usage, error) {
	collabs, err := d.cfg.Collabs(userID)
	if err != nil {
		return "", nil, fmt.Errorf("resolve collaborators: %w", err)
	}

	snap := d.cfg.Sessions.Snapshot(userID)
	if snap == nil {
		return "", nil, fmt.Errorf("no session for %s", userID)
	}

	systemPrompt, err := sessions.RenderSystemPrompt(ctx, sessions.SystemPromptInputs{
		StaticPrompt: d.cfg.StaticPrompt,
		ToolNames:    toolNames(d.toolDefinitions()),
		Projections:  collabs.Projections,
	})
	if err != nil {
		return "", nil, fmt.Errorf("render system prompt: %w", err)
	}

	messages := append([]providers.Message{{Role: "system", Content: systemPrompt}}, snap.Messages...)

	var lastUsage *providers.Usage
	for i := 0; i < maxToolIterations; i++ {
		req := providers.ChatRequest{
			Messages: messages,
			Tools:    d.toolDefinitions(),
		}
		resp, usedModel, err := sessions.PromptWithFallback(ctx, d.cfg.Provider, req, d.cfg.Models)
		d.cfg.Tracer.LLMSpan(ctx, d.cfg.Provider.Name(), usedModel, req, resp, err)
		if err != nil {
			return "", lastUsage, err
		}
		lastUsage = resp.Usage

		assistantMsg := providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		messages = append(messages, assistantMsg)
		d.cfg.Sessions.AddMessage(userID, assistantMsg, false)

		if resp.FinishReason != "tool_calls" || len(resp.ToolCalls) == 0 {
			return resp.Content, lastUsage, nil
		}

		for _, call := range resp.ToolCalls {
			result := d.executeTool(ctx, userID, channelID, platform, collabs, call)
			toolMsg := providers.Message{Role: "tool", Content: result, ToolCallID: call.ID}
			messages = append(messages, toolMsg)
			d.cfg.Sessions.AddMessage(userID, toolMsg, false)
		}
	}
	return "", lastUsage, fmt.Errorf("exceeded max tool-call iterations")
}

func toolNames(defs []providers.ToolDefinition) []string {
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Function.Name)
	}
	return names
}
