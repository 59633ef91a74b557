// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"context"
	"log/slog"

	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// SetupTracing configures OTEL tracing if endpoint provided. Returns shutdown func.
func SetupTracing(cfg config.Config) (func(context.Context) error, error) {
	if cfg.OTLPEndpoint == "" {
		slog.Info("OTLP endpoint not set; tracing disabled")
		return nil, nil
	}

	exporter, err := otlptracegrpc.New(context.Background(), otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.OTELServiceName),
	))
	if err != nil {
		return nil, err
	}

	// Use a sampling ratio to reduce trace volume and prevent memory exhaustion.
	// Production: 10% sampling (0.1) for cost-effectiveness.
	// Development: 100% sampling (1.0) for debugging.
	samplingRatio := 1.0
	if cfg.AppEnv == "prod" {
		samplingRatio = 0.1
	}
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(samplingRatio))
	slog.Info("tracing configured",
		slog.String("endpoint", cfg.OTLPEndpoint),
		slog.Float64("sampling_ratio", samplingRatio))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// taskTracer is the tracer used for per-task dispatch spans.
var taskTracer = otel.Tracer("crawler-worker/consumer")

// StartTaskSpan starts a span for one task execution, tagged with the
// attributes an operator needs to filter traces by task shape: type,
// market, symbol, and priority. Mirrors the request-tagging pattern used
// for HTTP/AI call spans, applied to queue-dispatched task spans instead.
func StartTaskSpan(ctx context.Context, taskID, taskType, market, symbol, priority string) (context.Context, trace.Span) {
	ctx, span := taskTracer.Start(ctx, "task.dispatch")
	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.String("task.type", taskType),
		attribute.String("task.market", market),
		attribute.String("task.symbol", symbol),
		attribute.String("task.priority", priority),
	)
	return ctx, span
}

// RecordTaskOutcome annotates a task span with its terminal outcome.
func RecordTaskOutcome(span trace.Span, outcome string, retried bool) {
	span.SetAttributes(
		attribute.String("task.outcome", outcome),
		attribute.Bool("task.retried", retried),
	)
}
