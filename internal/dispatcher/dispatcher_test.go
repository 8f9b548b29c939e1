package dispatcher

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/approval"
	"github.com/nextlevelbuilder/goclaw/internal/audit"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/memory"
	"github.com/nextlevelbuilder/goclaw/internal/projections"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/recovery"
	"github.com/nextlevelbuilder/goclaw/internal/scheduler"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/workers"
)

func newTestDispatcher(t *testing.T, reply func(req providers.ChatRequest) (*providers.ChatResponse, error)) (*Dispatcher, *[]bus.OutboundMessage) {
	t.Helper()
	dir := t.TempDir()

	sessionsMgr := sessions.NewManager(filepath.Join(dir, "sessions"))
	historyLog, err := audit.NewHistoryLog(filepath.Join(dir, "history"))
	if err != nil {
		t.Fatalf("history log: %v", err)
	}
	toolCallLog, err := audit.NewToolCallLog(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("tool call log: %v", err)
	}
	recoveryMgr := recovery.NewManager(filepath.Join(dir, "pending"), filepath.Join(dir, "config.yml"))
	gate := approval.NewGate(map[string]approval.Capability{"worker_dispatch": approval.CapabilityElevated})

	db, err := store.OpenUserDB(filepath.Join(dir, "memory.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ps, err := projections.Open(db)
	if err != nil {
		t.Fatalf("open projections: %v", err)
	}
	facts, err := memory.Open(db, nil)
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	registry := workers.NewRegistry()
	provider := providers.NewStubProvider("stub", "stub-model")
	rt := workers.NewRuntime(workers.Config{BaseDir: filepath.Join(dir, "workers"), MaxConcurrent: 2}, registry, provider, facts)

	sched, err := scheduler.New(scheduler.Config{SchedulesPath: filepath.Join(dir, "schedules.json")})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	var sent []bus.OutboundMessage
	chatProvider := providers.NewStubProvider("stub", "stub-model")
	chatProvider.Reply = reply

	d := New(Config{
		Sessions: sessionsMgr,
		Collabs: func(userID string) (UserCollaborators, error) {
			return UserCollaborators{Projections: ps, Memory: facts, Workers: rt, Scheduler: sched}, nil
		},
		Approval:     gate,
		Recovery:     recoveryMgr,
		History:      historyLog,
		ToolCalls:    toolCallLog,
		Provider:     chatProvider,
		Models:       []string{"stub-model"},
		StaticPrompt: "You are a helpful assistant.",
		Send:         func(msg bus.OutboundMessage) { sent = append(sent, msg) },
	})
	return d, &sent
}

func TestHandleRejectsOverlongMessage(t *testing.T) {
	d, sent := newTestDispatcher(t, func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		t.Fatal("should not reach the LLM for an overlong message")
		return nil, nil
	})
	longText := make([]byte, MaxMessageChars+1)
	for i := range longText {
		longText[i] = 'a'
	}
	d.Handle(context.Background(), "u1", "c1", "telegram", string(longText), nil, "")
	if len(*sent) != 1 {
		t.Fatalf("expected exactly one rejection reply, got %d", len(*sent))
	}
}

func TestHandleClearCommand(t *testing.T) {
	d, sent := newTestDispatcher(t, func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		t.Fatal("should not reach the LLM for a command")
		return nil, nil
	})
	d.Handle(context.Background(), "u1", "c1", "telegram", "/clear", nil, "")
	if len(*sent) != 1 || (*sent)[0].Content != "Session cleared." {
		t.Fatalf("expected clear confirmation, got %+v", *sent)
	}
}

func TestHandleSimpleReply(t *testing.T) {
	d, sent := newTestDispatcher(t, func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{FinishReason: "stop", Content: "hello there"}, nil
	})
	d.Handle(context.Background(), "u1", "c1", "telegram", "hi", nil, "")
	if len(*sent) != 1 || (*sent)[0].Content != "hello there" {
		t.Fatalf("expected reply to be sent, got %+v", *sent)
	}
}

func TestHandleSuppressesSilentSentinel(t *testing.T) {
	d, sent := newTestDispatcher(t, func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{FinishReason: "stop", Content: SilentReplySentinel}, nil
	})
	d.Handle(context.Background(), "u1", "c1", "telegram", "scheduled check", nil, "scheduler")
	if len(*sent) != 0 {
		t.Fatalf("expected no outbound message for the silent sentinel, got %+v", *sent)
	}
}

func TestHandleRunsToolCallThenReplies(t *testing.T) {
	calls := 0
	d, sent := newTestDispatcher(t, func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		calls++
		if calls == 1 {
			return &providers.ChatResponse{
				FinishReason: "tool_calls",
				ToolCalls: []providers.ToolCall{
					{ID: "1", Name: "memory_add", Arguments: map[string]interface{}{"content": "likes tea"}},
				},
			}, nil
		}
		return &providers.ChatResponse{FinishReason: "stop", Content: "noted"}, nil
	})
	d.Handle(context.Background(), "u1", "c1", "telegram", "remember that I like tea", nil, "")
	if calls != 2 {
		t.Fatalf("expected two LLM round trips (tool call then reply), got %d", calls)
	}
	if len(*sent) != 1 || (*sent)[0].Content != "noted" {
		t.Fatalf("expected final reply after tool execution, got %+v", *sent)
	}
}
