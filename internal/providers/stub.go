package providers

import (
	"context"
	"fmt"
)

// StubProvider is a deterministic Provider with no external network calls.
// The teacher's concrete SDK implementations (anthropic.go, openai.go,
// dashscope.go) are external-collaborator code per this module's scope —
// see DESIGN.md's "Dropped teacher dependencies" — but Dispatcher,
// WorkerRuntime and ProjectionReflection all hold a Provider field, so a
// minimal implementation is needed for the module to compile and for
// fallback-chain behavior to be testable without a live API key.
type StubProvider struct {
	name    string
	model   string
	// Reply, when set, is returned verbatim as ChatResponse.Content with
	// FinishReason "stop". When nil, Chat returns FinishReason "error" so
	// callers exercising promptWithFallback's error path have a provider
	// that reliably fails.
	Reply func(req ChatRequest) (*ChatResponse, error)
}

// NewStubProvider constructs a StubProvider identified by name/model.
func NewStubProvider(name, model string) *StubProvider {
	return &StubProvider{name: name, model: model}
}

func (p *StubProvider) Name() string         { return p.name }
func (p *StubProvider) DefaultModel() string { return p.model }

func (p *StubProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if p.Reply != nil {
		return p.Reply(req)
	}
	return &ChatResponse{FinishReason: "error", Content: fmt.Sprintf("stub provider %s has no reply configured", p.name)}, nil
}

func (p *StubProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	onChunk(StreamChunk{Content: resp.Content, Done: true})
	return resp, nil
}
