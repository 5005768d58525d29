package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitRequiresServiceName(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatal("expected error without a service name")
	}
}

func TestEndpointHost(t *testing.T) {
	cases := []struct {
		in       string
		host     string
		insecure bool
	}{
		{"", "127.0.0.1:4318", true},
		{"http://collector:4318", "collector:4318", true},
		{"https://collector:4318", "collector:4318", false},
		{"127.0.0.1:9999", "127.0.0.1:9999", false},
	}
	for _, c := range cases {
		host, insecure, err := endpointHost(c.in)
		if err != nil {
			t.Fatalf("endpointHost(%q): %v", c.in, err)
		}
		if host != c.host || insecure != c.insecure {
			t.Fatalf("endpointHost(%q) = %q,%v; want %q,%v", c.in, host, insecure, c.host, c.insecure)
		}
	}
}

func TestProviderEmitsSpansWithServiceResource(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()

	tp, shutdown, err := newProvider(exp, Config{ServiceName: "krypton-test", ServiceVersion: "v0"})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	_, sp := tp.Tracer("test").Start(context.Background(), "root.span")
	sp.End()
	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush: %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "root.span" {
		t.Fatalf("unexpected span name: %q", spans[0].Name)
	}
	found := false
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == attribute.Key("service.name") && kv.Value.AsString() == "krypton-test" {
			found = true
		}
	}
	if !found {
		t.Fatal("resource missing service.name")
	}

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
