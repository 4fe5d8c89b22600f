package otelutil

import (
	"bytes"
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/KafClaw/wabridge/internal/config"
)

func TestInitDisabled(t *testing.T) {
	ok, err := Init(context.Background(), config.TracingConfig{})
	if ok || err != nil {
		t.Fatalf("Init = %v, %v", ok, err)
	}
}

func TestInitRejectsUnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), config.TracingConfig{Exporter: "zipkin"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestInitOTLPNeedsEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if _, err := Init(context.Background(), config.TracingConfig{Exporter: "otlp"}); err == nil {
		t.Fatal("expected error without endpoint")
	}
}

func TestStdoutExporterWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	exp, err := newStdout(&buf)
	if err != nil {
		t.Fatal(err)
	}
	p := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	install(p)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := otel.Tracer("test").Start(context.Background(), "connect shop")
	span.End()
	Flush()
	Flush()

	if !bytes.Contains(buf.Bytes(), []byte("connect shop")) {
		t.Fatalf("span not exported: %s", buf.String())
	}
}

func TestParseHeaders(t *testing.T) {
	got := parseHeaders("api-key=abc, tenant = shop ,broken,=x")
	if len(got) != 2 || got["api-key"] != "abc" || got["tenant"] != "shop" {
		t.Fatalf("headers = %v", got)
	}
}
