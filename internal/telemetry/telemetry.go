// Package telemetry wires OTLP tracing for the dispatcher's LLM calls,
// tool calls, and worker runs. The telemetry backend itself is an
// external collaborator per spec.md section 1 ("the telemetry/logging
// layer... specified only by the interface the core consumes") — the
// core only ever touches the Tracer interface below, so a no-op
// exporter or a different SDK can stand in without the core changing.
//
// Grounded on _examples/vanducng-goclaw/internal/agent/loop_tracing.go's
// emitLLMSpan/emitToolSpan/emitAgentSpan shape (span-per-call, optional
// verbose payload capture, token usage on LLM/tool spans only to avoid
// double counting) reimplemented against the real OTel SDK in place of
// the teacher's custom Postgres-backed store.SpanData/Collector, since
// go.opentelemetry.io/otel is the pack's actual tracing dependency.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

// Tracer is the interface the core consumes. A disabled Tracer's
// methods are safe to call and simply don't record anything.
type Tracer interface {
	StartTurn(ctx context.Context, userID, channel string) (context.Context, trace.Span)
	LLMSpan(ctx context.Context, provider, model string, req providers.ChatRequest, resp *providers.ChatResponse, callErr error)
	ToolSpan(ctx context.Context, toolName string, input string, result string, toolErr error)
	WorkerSpan(ctx context.Context, workerID, workerType string, durationErr error)
	Shutdown(ctx context.Context) error
}

// Noop returns a Tracer whose methods are all safe no-ops, for callers
// that want a non-nil Tracer before config is loaded.
func Noop() Tracer { return noop{} }

// noop satisfies Tracer with no side effects, used when telemetry is
// disabled in config so call sites never need a nil check.
type noop struct{}

func (noop) StartTurn(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}
func (noop) LLMSpan(context.Context, string, string, providers.ChatRequest, *providers.ChatResponse, error) {
}
func (noop) ToolSpan(context.Context, string, string, string, error) {}
func (noop) WorkerSpan(context.Context, string, string, error)       {}
func (noop) Shutdown(context.Context) error                          { return nil }

// otelTracer is the real implementation, backed by an OTLP exporter.
type otelTracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// New builds a Tracer from cfg. When cfg.Enabled is false it returns a
// no-op Tracer so the rest of the system doesn't need to branch on
// whether telemetry is configured.
func New(ctx context.Context, cfg config.TelemetryConfig) (Tracer, error) {
	if !cfg.Enabled {
		return noop{}, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "goclaw"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("new resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &otelTracer{provider: tp, tracer: tp.Tracer("github.com/nextlevelbuilder/goclaw")}, nil
}

func newExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		client := otlptracegrpc.NewClient(opts...)
		return otlptrace.New(ctx, client)
	}
}

// StartTurn opens the root span a single dispatcher turn nests under.
func (t *otelTracer) StartTurn(ctx context.Context, userID, channel string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "turn",
		trace.WithAttributes(
			attribute.String("goclaw.user_id", userID),
			attribute.String("goclaw.channel", channel),
		),
	)
}

// LLMSpan records one Chat/ChatStream round trip. It records no message
// previews; only ToolSpan truncates previews to the 500-byte default.
func (t *otelTracer) LLMSpan(ctx context.Context, provider, model string, req providers.ChatRequest, resp *providers.ChatResponse, callErr error) {
	_, span := t.tracer.Start(ctx, fmt.Sprintf("%s/%s", provider, model))
	defer span.End()

	span.SetAttributes(
		attribute.String("goclaw.provider", provider),
		attribute.String("goclaw.model", model),
		attribute.Int("goclaw.message_count", len(req.Messages)),
	)
	if callErr != nil {
		span.RecordError(callErr)
		return
	}
	if resp == nil {
		return
	}
	span.SetAttributes(attribute.String("goclaw.finish_reason", resp.FinishReason))
	if resp.Usage != nil {
		span.SetAttributes(
			attribute.Int("goclaw.input_tokens", resp.Usage.PromptTokens),
			attribute.Int("goclaw.output_tokens", resp.Usage.CompletionTokens),
		)
	}
}

// ToolSpan records one tool execution.
func (t *otelTracer) ToolSpan(ctx context.Context, toolName string, input string, result string, toolErr error) {
	_, span := t.tracer.Start(ctx, toolName)
	defer span.End()

	span.SetAttributes(
		attribute.String("goclaw.tool", toolName),
		attribute.String("goclaw.input_preview", truncate(input, 500)),
		attribute.String("goclaw.output_preview", truncate(result, 500)),
	)
	if toolErr != nil {
		span.RecordError(toolErr)
	}
}

// WorkerSpan records one worker_dispatch run's outcome.
func (t *otelTracer) WorkerSpan(ctx context.Context, workerID, workerType string, runErr error) {
	_, span := t.tracer.Start(ctx, "worker:"+workerType)
	defer span.End()

	span.SetAttributes(
		attribute.String("goclaw.worker_id", workerID),
		attribute.String("goclaw.worker_type", workerType),
	)
	if runErr != nil {
		span.RecordError(runErr)
	}
}

func (t *otelTracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
