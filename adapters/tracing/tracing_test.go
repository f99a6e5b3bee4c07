package tracing_test

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/cataldij/quotacache/adapters/tracing"
)

func TestNew_Disabled(t *testing.T) {
	p, err := tracing.New(context.Background(), tracing.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p != nil {
		t.Fatal("disabled tracing should return a nil provider")
	}

	// A nil provider is inert.
	_, span := p.TracerProvider().Tracer("test").Start(context.Background(), "noop")
	span.End()
	if span.SpanContext().IsValid() {
		t.Error("nil provider should produce non-recording spans")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestNew_UnsupportedExporter(t *testing.T) {
	_, err := tracing.New(context.Background(), tracing.Config{Enabled: true, Exporter: "zipkin"})
	if err == nil {
		t.Error("expected error for unsupported exporter")
	}
}

func TestNewWithExporter_Exports(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	p, err := tracing.NewWithExporter(exporter, tracing.Config{ServiceName: "quotacache-test", SamplingRate: 1})
	if err != nil {
		t.Fatalf("NewWithExporter: %v", err)
	}

	_, span := p.TracerProvider().Tracer("test").Start(context.Background(), "quota.check")
	span.End()

	if err := p.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	defer p.Shutdown(context.Background())

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "quota.check" {
		t.Fatalf("exported spans = %+v", spans)
	}

	var service string
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	if service != "quotacache-test" {
		t.Errorf("service.name = %q", service)
	}
}
