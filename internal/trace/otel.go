package trace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/dotclawhq/dotclaw/internal/config"
)

const scopeName = "github.com/dotclawhq/dotclaw"

// SetupOTel configures the global tracer provider with an OTLP/HTTP exporter
// when telemetry is enabled. Returns a shutdown function; when disabled both
// returns are no-ops.
func SetupOTel(ctx context.Context, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	var exporterOpts []otlptracehttp.Option
	if cfg.Endpoint != "" {
		exporterOpts = append(exporterOpts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "dotclaw"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartRunSpan opens a span for one agent run and returns the finish
// callback, which records the outcome attributes from rec.
func StartRunSpan(ctx context.Context, rec *Record) (context.Context, func()) {
	tracer := otel.Tracer(scopeName)
	ctx, span := tracer.Start(ctx, "agent.run", oteltrace.WithAttributes(
		attribute.String("chat.id", rec.ChatID),
		attribute.String("group.folder", rec.GroupFolder),
		attribute.String("lane", rec.Lane),
	))
	return ctx, func() {
		span.SetAttributes(
			attribute.String("model", rec.Model),
			attribute.Int64("latency.ms", rec.LatencyMs),
			attribute.Int("tokens.prompt", rec.TokensPrompt),
			attribute.Int("tokens.completion", rec.TokensCompletion),
			attribute.Int("tool.calls", rec.ToolCalls),
			attribute.Int("attempts", rec.Attempts),
		)
		if rec.Category != "" {
			span.SetAttributes(attribute.String("error.category", rec.Category))
		}
		span.End()
	}
}
