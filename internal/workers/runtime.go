package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/goclaw/internal/memory"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/telemetry"
)

// allowedTools is the worker tool allow-list from spec.md 4.B; write_file
// and read_file (scoped to the worker directory) are always available in
// addition to whatever subset of this list the dispatch call requests.
var allowedTools = map[string]bool{
	"web_search": true,
	"fetch_url":  true,
}

// Config bounds WorkerRuntime behavior; one Config is shared by every
// worker spawned for a user.
type Config struct {
	BaseDir        string        // <data>/files/workers
	MaxConcurrent  int
	DefaultModel   string
	TypeModels     map[string]string
	FallbackModels []string
	DefaultTimeout time.Duration
	EvictAfter     time.Duration // default 24h
}

// Runtime is the WorkerRuntime: it owns a Registry, spawns bounded sub-agent
// sessions against a Provider, and inserts completion facts into memory.
type Runtime struct {
	cfg      Config
	registry *Registry
	provider providers.Provider
	facts    *memory.Store
	limiter  *rate.Limiter
	tracer   telemetry.Tracer
}

// SetTracer wires a telemetry.Tracer for worker-span emission; cmd/
// calls this after construction once telemetry.New has run. Unset
// Runtimes (including every test in this package) record nothing.
func (rt *Runtime) SetTracer(t telemetry.Tracer) { rt.tracer = t }

// NewRuntime constructs a Runtime. limiter is a secondary token-bucket guard
// layered above the max_concurrent check (one spawn per 2s by default,
// bursting to 3) — spec.md's own concurrency invariant is the
// read-then-compare runningCount check; this limiter additionally smooths
// spawn bursts, which nothing in the teacher's surviving files did, so it is
// a newly-wired use of golang.org/x/time/rate rather than an adaptation.
func NewRuntime(cfg Config, registry *Registry, provider providers.Provider, facts *memory.Store) *Runtime {
	if cfg.EvictAfter == 0 {
		cfg.EvictAfter = 24 * time.Hour
	}
	return &Runtime{
		cfg:      cfg,
		registry: registry,
		provider: provider,
		facts:    facts,
		limiter:  rate.NewLimiter(rate.Every(2*time.Second), 3),
		tracer:   telemetry.Noop(),
	}
}

// DispatchResult is worker_dispatch's return shape.
type DispatchResult struct {
	WorkerID    string `json:"worker_id"`
	Status      string `json:"status"`
	ResultPath  string `json:"result_path"`
	TriggerHint string `json:"trigger_hint"`
}

// DispatchInput is worker_dispatch's parameter set.
type DispatchInput struct {
	Task           string
	Tools          []string
	Model          string
	TimeoutSeconds int
	Type           string
}

// Dispatch implements worker_dispatch. callerIsWorker rejects nesting per
// spec.md 4.B; it is the caller's job to determine whether the current
// session is itself a worker session.
func (rt *Runtime) Dispatch(ctx context.Context, callerIsWorker bool, in DispatchInput) (*DispatchResult, error) {
	if callerIsWorker {
		return nil, fmt.Errorf("worker_dispatch cannot be called from inside a worker session")
	}
	if rt.registry.RunningCount() >= rt.cfg.MaxConcurrent {
		return nil, fmt.Errorf("max_concurrent workers already running")
	}
	for _, t := range in.Tools {
		if !allowedTools[t] {
			return nil, fmt.Errorf("tool %q is not in the worker allow-list", t)
		}
	}

	id := "w-" + uuid.NewString()
	dir := filepath.Join(rt.cfg.BaseDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create worker directory: %w", err)
	}
	taskPath := filepath.Join(dir, "task.md")
	if err := os.WriteFile(taskPath, []byte(in.Task), 0o644); err != nil {
		return nil, fmt.Errorf("write task.md: %w", err)
	}

	model := rt.resolveModel(in.Type, in.Model)
	timeout := rt.cfg.DefaultTimeout
	if in.TimeoutSeconds > 0 {
		timeout = time.Duration(in.TimeoutSeconds) * time.Second
	}

	entry := &WorkerEntry{
		ID:        id,
		Task:      in.Task,
		Type:      in.Type,
		Model:     model,
		Status:    StatusRunning,
		Dir:       dir,
		CreatedAt: time.Now().UTC(),
	}
	rt.registry.Register(entry)

	resultPath := filepath.Join(dir, "result.md")
	if err := rt.writeStatus(entry, resultPath); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rt.registry.Update(id, func(e *WorkerEntry) { e.abort = cancel })

	go rt.run(runCtx, cancel, entry.ID, in.Type, dir, resultPath, model, timeout, in.Tools)

	return &DispatchResult{
		WorkerID:    id,
		Status:      string(StatusRunning),
		ResultPath:  resultPath,
		TriggerHint: fmt.Sprintf("worker %s complete", id),
	}, nil
}

func (rt *Runtime) resolveModel(workerType, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if workerType != "" {
		if m, ok := rt.cfg.TypeModels[workerType]; ok && m != "" {
			return m
		}
	}
	if rt.cfg.DefaultModel != "" {
		return rt.cfg.DefaultModel
	}
	if len(rt.cfg.FallbackModels) > 0 {
		return rt.cfg.FallbackModels[0]
	}
	return rt.provider.DefaultModel()
}

func (rt *Runtime) run(ctx context.Context, cancel context.CancelFunc, id, workerType, dir, resultPath, model string, timeout time.Duration, requestedTools []string) {
	var runErr error
	defer func() {
		rt.tracer.WorkerSpan(context.Background(), id, workerType, runErr)
		cancel()
		time.AfterFunc(rt.cfg.EvictAfter, func() { rt.registry.Remove(id) })
	}()

	_ = rt.limiter.Wait(ctx)

	timer := time.AfterFunc(timeout, func() {
		rt.registry.Update(id, func(e *WorkerEntry) {
			if e.Status.Terminal() {
				return
			}
			now := time.Now().UTC()
			e.Status = StatusTimeout
			e.CompletedAt = &now
		})
		_ = rt.writeStatusByID(id, resultPath)
		cancel()
		rt.insertFact(context.Background(), fmt.Sprintf("worker %s timed out", id))
	})
	defer timer.Stop()

	systemPrompt := fmt.Sprintf(
		"You are a worker agent. Task directory: %s. Write your final answer to result.md. "+
			"Check steering.md every three tool calls and incorporate any guidance found there.",
		dir,
	)

	tools := buildToolDefinitions(requestedTools)
	messages := []providers.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: taskMessageFromDir(dir)},
	}

	var resp *providers.ChatResponse
	var err error
	const maxToolIterations = 20
	for iter := 0; iter < maxToolIterations; iter++ {
		resp, err = rt.provider.Chat(ctx, providers.ChatRequest{Model: model, Messages: messages, Tools: tools})
		if err != nil || resp.FinishReason != "tool_calls" || len(resp.ToolCalls) == 0 {
			break
		}
		messages = append(messages, providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			messages = append(messages, providers.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    rt.executeWorkerTool(dir, call),
			})
		}
	}

	if err != nil {
		runErr = err
		rt.registry.Update(id, func(e *WorkerEntry) {
			if e.Status.Terminal() {
				return
			}
			now := time.Now().UTC()
			e.Status = StatusFailed
			e.Error = err.Error()
			e.CompletedAt = &now
		})
		_ = rt.writeStatusByID(id, resultPath)
		rt.insertFact(context.Background(), fmt.Sprintf("worker %s failed: %v", id, err))
		return
	}

	if resp.FinishReason == "error" {
		runErr = fmt.Errorf("model reported finish_reason=error")
		rt.registry.Update(id, func(e *WorkerEntry) {
			if e.Status.Terminal() {
				return
			}
			now := time.Now().UTC()
			e.Status = StatusFailed
			e.Error = "model reported finish_reason=error"
			e.CompletedAt = &now
		})
		_ = rt.writeStatusByID(id, resultPath)
		rt.insertFact(context.Background(), fmt.Sprintf("worker %s failed: model error", id))
		return
	}

	if err := os.WriteFile(resultPath, []byte(resp.Content), 0o644); err != nil {
		resultPath = dir
	}
	rt.registry.Update(id, func(e *WorkerEntry) {
		if e.Status.Terminal() {
			return
		}
		now := time.Now().UTC()
		e.Status = StatusComplete
		e.ResultPath = resultPath
		e.CompletedAt = &now
	})
	_ = rt.writeStatusByID(id, resultPath)
	rt.insertFact(context.Background(), fmt.Sprintf("worker %s complete, results at %s", id, resultPath))
}

func taskMessageFromDir(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, "task.md"))
	if err != nil {
		return ""
	}
	return string(data)
}

func (rt *Runtime) insertFact(ctx context.Context, content string) {
	if rt.facts == nil {
		return
	}
	_, _ = rt.facts.AddFact(ctx, content, "worker")
}

// Check implements worker_check: reads the registry, falling back to
// status.json so results survive a process restart.
func (rt *Runtime) Check(id string) (WorkerEntry, error) {
	if e, ok := rt.registry.Get(id); ok {
		return e, nil
	}
	path := filepath.Join(rt.cfg.BaseDir, id, "status.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return WorkerEntry{}, fmt.Errorf("unknown worker %q", id)
	}
	var e WorkerEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return WorkerEntry{}, fmt.Errorf("corrupt status file for worker %q", id)
	}
	return e, nil
}

// Interrupt implements worker_interrupt: sets status=cancelled BEFORE
// invoking abort so the session's own error path observes a terminal state
// and does not overwrite it.
func (rt *Runtime) Interrupt(ctx context.Context, id string) (WorkerEntry, error) {
	e, ok := rt.registry.Get(id)
	if !ok {
		return WorkerEntry{}, fmt.Errorf("unknown worker %q", id)
	}
	if e.Status.Terminal() {
		return e, nil
	}

	var abort func()
	rt.registry.Update(id, func(live *WorkerEntry) {
		now := time.Now().UTC()
		live.Status = StatusCancelled
		live.CompletedAt = &now
		abort = live.abort
	})
	resultPath := filepath.Join(rt.cfg.BaseDir, id, "result.md")
	_ = rt.writeStatusByID(id, resultPath)
	if abort != nil {
		func() {
			defer func() { recover() }()
			abort()
		}()
	}
	rt.insertFact(ctx, fmt.Sprintf("worker %s cancelled", id))
	e, _ = rt.registry.Get(id)
	return e, nil
}

// Steer implements worker_steer: replaces steering.md wholesale. No-op if
// the worker is already terminal.
func (rt *Runtime) Steer(id, guidance string) error {
	e, ok := rt.registry.Get(id)
	if !ok {
		return fmt.Errorf("unknown worker %q", id)
	}
	if e.Status.Terminal() {
		return nil
	}
	return os.WriteFile(filepath.Join(e.Dir, "steering.md"), []byte(guidance), 0o644)
}

func (rt *Runtime) writeStatus(e *WorkerEntry, resultPath string) error {
	return rt.writeStatusByID(e.ID, resultPath)
}

func (rt *Runtime) writeStatusByID(id, resultPath string) error {
	e, ok := rt.registry.Get(id)
	if !ok {
		return nil
	}
	e.ResultPath = resultPath
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(rt.cfg.BaseDir, id, "status.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func buildToolDefinitions(requested []string) []providers.ToolDefinition {
	defs := []providers.ToolDefinition{
		{Type: "function", Function: providers.ToolFunctionSchema{
			Name:        "write_file",
			Description: "Write a file inside the worker's directory",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"name":    map[string]interface{}{"type": "string"},
					"content": map[string]interface{}{"type": "string"},
				},
				"required": []string{"name", "content"},
			},
		}},
		{Type: "function", Function: providers.ToolFunctionSchema{
			Name:        "read_file",
			Description: "Read a file inside the worker's directory",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"name": map[string]interface{}{"type": "string"},
				},
				"required": []string{"name"},
			},
		}},
	}
	for _, name := range requested {
		if !allowedTools[name] {
			continue
		}
		defs = append(defs, providers.ToolDefinition{Type: "function", Function: providers.ToolFunctionSchema{
			Name:        name,
			Description: strings.TrimSpace(name + " tool"),
			Parameters:  map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		}})
	}
	return defs
}
