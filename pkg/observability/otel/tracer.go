// Package otelobs wires OpenTelemetry tracing for the agent: an OTLP/HTTP
// exporter when OTEL_EXPORTER_OTLP_ENDPOINT is set, and otelhttp wrappers
// for the metrics server and the report client.
package otelobs

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// InitTracer sets up an OTLP HTTP exporter and returns a shutdown func.
// Without an endpoint the global no-op provider stays in place.
func InitTracer(ctx context.Context, serviceName string, logger *slog.Logger) func(context.Context) error {
	noop := func(context.Context) error { return nil }
	if logger == nil {
		logger = slog.Default()
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		logger.Debug("tracing disabled, no OTEL_EXPORTER_OTLP_ENDPOINT", "service", serviceName)
		return noop
	}
	// the exporter reads endpoint, headers and TLS settings from OTEL_* env
	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		logger.Warn("otlp exporter init failed, tracing disabled", "error", err)
		return noop
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		logger.Warn("otel resource init failed", "error", err)
	}
	tp := trace.NewTracerProvider(trace.WithBatcher(exp), trace.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}
