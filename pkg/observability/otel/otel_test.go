package otelobs

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitTracerWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown := InitTracer(context.Background(), "appfw-test", nil)
	assert.NoError(t, shutdown(context.Background()))
}

func TestTraceLogMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	h := HTTPTraceLogMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	ctx, span := tp.Tracer("test").Start(context.Background(), "req")
	defer span.End()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, span.SpanContext().TraceID().String(), rec.Header().Get("Trace-Id"))
	assert.Contains(t, buf.String(), `"status":418`)
	assert.Contains(t, buf.String(), `"path":"/metrics"`)
}

func TestWrapHTTPTransportDefaults(t *testing.T) {
	assert.NotNil(t, WrapHTTPTransport(nil))
	assert.NotNil(t, WrapHTTPHandler("svc", http.NotFoundHandler()))
}
