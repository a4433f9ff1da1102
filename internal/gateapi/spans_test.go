package gateapi

import (
	"context"
	"net/http"
	"testing"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/floodgate/internal/dispatch"
)

func spanAttrs(s tracetest.SpanStub) map[attribute.Key]string {
	out := make(map[attribute.Key]string, len(s.Attributes))
	for _, kv := range s.Attributes {
		out[kv.Key] = kv.Value.Emit()
	}
	return out
}

func tracedRouter(t *testing.T) (http.Handler, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	r, _ := newTestRouter(t)
	return otelhttp.NewHandler(r, "http.server", otelhttp.WithTracerProvider(tp)), exporter
}

func TestSpans_AssessmentAttributes(t *testing.T) {
	t.Parallel()

	h, exporter := tracedRouter(t)

	rec := do(t, h, http.MethodPost, "/api/v1/assessments", `{"location":"bulacan"}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	att := decode[dispatch.Attempt](t, rec)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	attrs := spanAttrs(spans[0])
	if got := attrs["floodgate.attempt.id"]; got != att.ID {
		t.Errorf("floodgate.attempt.id = %q, want %q", got, att.ID)
	}
	if got := attrs["floodgate.attempt.state"]; got != string(dispatch.StateDispatched) {
		t.Errorf("floodgate.attempt.state = %q, want DISPATCHED", got)
	}
}

func TestSpans_EvaluateAttributes(t *testing.T) {
	t.Parallel()

	h, exporter := tracedRouter(t)

	rec := do(t, h, http.MethodPost, "/api/v1/evaluate", `{"location":"MARIKINA"}`, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	attrs := spanAttrs(spans[0])
	if got := attrs["floodgate.location"]; got != "Marikina" {
		t.Errorf("floodgate.location = %q, want canonical Marikina", got)
	}
	if got := attrs["floodgate.outcome"]; got != "BLOCK" {
		t.Errorf("floodgate.outcome = %q, want BLOCK", got)
	}
}
