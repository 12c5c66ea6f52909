package tracing

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/miradorstack/eservice-monitor/internal/config"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	tp, shutdown, err := Setup(context.Background(), config.TracingConfig{})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	_, span := Tracer(tp).Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Fatalf("expected no-op span")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestNewProviderTagsServiceName(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := NewProvider("monitor-test", sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	_, span := Tracer(tp).Start(context.Background(), "statistics")
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	var found bool
	for _, kv := range spans[0].Resource.Attributes() {
		if string(kv.Key) == "service.name" && kv.Value.AsString() == "monitor-test" {
			found = true
		}
	}
	if !found {
		t.Fatalf("service.name not set on resource: %v", spans[0].Resource.Attributes())
	}
	if spans[0].InstrumentationScope.Name != InstrumentationName {
		t.Fatalf("unexpected scope %q", spans[0].InstrumentationScope.Name)
	}
}

func TestTracerNilProvider(t *testing.T) {
	if Tracer(nil) == nil {
		t.Fatalf("expected fallback tracer")
	}
}
