// Package tracing wires OpenTelemetry spans around runs, model calls, and
// tool executions. Export is OTLP/HTTP when enabled; otherwise every helper
// is a no-op via the global no-op tracer.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/linggen/linggen-agent/internal/config"
)

const scopeName = "github.com/linggen/linggen-agent"

// Setup installs the OTLP/HTTP trace pipeline when tracing is enabled.
// Returns a shutdown function (no-op when disabled).
func Setup(ctx context.Context, cfg config.TracingConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	var opts []otlptracehttp.Option
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("linggen-agent"),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func tracer() trace.Tracer { return otel.Tracer(scopeName) }

// StartRunSpan opens the root span for one run.
func StartRunSpan(ctx context.Context, runID, agentID, project string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("agent.id", agentID),
		attribute.String("project", project),
	))
}

// StartLLMSpan opens a span for one model call.
func StartLLMSpan(ctx context.Context, modelID string, iteration int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("model.id", modelID),
		attribute.Int("iteration", iteration),
	))
}

// StartToolSpan opens a span for one tool execution.
func StartToolSpan(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool.name", toolName),
	))
}
