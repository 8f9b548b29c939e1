package workers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/memory"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

func newTestRuntime(t *testing.T, provider providers.Provider) (*Runtime, *Registry) {
	t.Helper()
	base := t.TempDir()
	registry := NewRegistry()

	db, err := store.OpenUserDB(filepath.Join(base, "memory.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	facts, err := memory.Open(db, nil)
	if err != nil {
		t.Fatalf("open facts: %v", err)
	}

	cfg := Config{
		BaseDir:        filepath.Join(base, "workers"),
		MaxConcurrent:  2,
		DefaultModel:   "test-model",
		DefaultTimeout: 5 * time.Second,
		EvictAfter:     time.Millisecond,
	}
	return NewRuntime(cfg, registry, provider, facts), registry
}

func TestDispatchRejectsNesting(t *testing.T) {
	rt, _ := newTestRuntime(t, providers.NewStubProvider("stub", "test-model"))
	_, err := rt.Dispatch(context.Background(), true, DispatchInput{Task: "anything"})
	if err == nil {
		t.Fatal("expected nesting rejection")
	}
}

func TestDispatchRejectsOverConcurrencyLimit(t *testing.T) {
	rt, registry := newTestRuntime(t, providers.NewStubProvider("stub", "test-model"))
	registry.Register(&WorkerEntry{ID: "a", Status: StatusRunning})
	registry.Register(&WorkerEntry{ID: "b", Status: StatusRunning})

	_, err := rt.Dispatch(context.Background(), false, DispatchInput{Task: "x"})
	if err == nil {
		t.Fatal("expected max_concurrent rejection")
	}
}

func TestDispatchRejectsDisallowedTool(t *testing.T) {
	rt, _ := newTestRuntime(t, providers.NewStubProvider("stub", "test-model"))
	_, err := rt.Dispatch(context.Background(), false, DispatchInput{Task: "x", Tools: []string{"shell_exec"}})
	if err == nil {
		t.Fatal("expected disallowed tool rejection")
	}
}

func TestDispatchAndCheckCompletes(t *testing.T) {
	stub := providers.NewStubProvider("stub", "test-model")
	stub.Reply = func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{Content: "done", FinishReason: "stop"}, nil
	}
	rt, _ := newTestRuntime(t, stub)

	result, err := rt.Dispatch(context.Background(), false, DispatchInput{Task: "summarize something"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Status != "running" {
		t.Fatalf("expected initial status running, got %s", result.Status)
	}
	if result.TriggerHint != "worker "+result.WorkerID+" complete" {
		t.Fatalf("unexpected trigger hint: %s", result.TriggerHint)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e, err := rt.Check(result.WorkerID)
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if e.Status.Terminal() {
			if e.Status != StatusComplete {
				t.Fatalf("expected complete, got %s (%s)", e.Status, e.Error)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("worker did not reach terminal state in time")
}

func TestInterruptSetsTerminalBeforeAbort(t *testing.T) {
	aborted := make(chan struct{})
	stub := providers.NewStubProvider("stub", "test-model")
	stub.Reply = func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		<-aborted
		return &providers.ChatResponse{Content: "too late", FinishReason: "stop"}, nil
	}
	rt, _ := newTestRuntime(t, stub)

	result, err := rt.Dispatch(context.Background(), false, DispatchInput{Task: "long running"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	e, err := rt.Interrupt(context.Background(), result.WorkerID)
	if err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	if e.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", e.Status)
	}
	close(aborted)

	time.Sleep(50 * time.Millisecond)
	final, err := rt.Check(result.WorkerID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if final.Status != StatusCancelled {
		t.Fatalf("expected cancellation to stick, got %s", final.Status)
	}
}

func TestSteerWritesSteeringFile(t *testing.T) {
	stub := providers.NewStubProvider("stub", "test-model")
	block := make(chan struct{})
	stub.Reply = func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		<-block
		return &providers.ChatResponse{Content: "ok", FinishReason: "stop"}, nil
	}
	rt, _ := newTestRuntime(t, stub)

	result, err := rt.Dispatch(context.Background(), false, DispatchInput{Task: "x"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if err := rt.Steer(result.WorkerID, "focus on the budget section"); err != nil {
		t.Fatalf("steer: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(filepath.Dir(result.ResultPath), "steering.md"))
	if err != nil {
		t.Fatalf("read steering.md: %v", err)
	}
	if string(data) != "focus on the budget section" {
		t.Fatalf("unexpected steering content: %q", data)
	}
	close(block)
}
