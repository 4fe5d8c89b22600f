// Package otelutil installs the global OpenTelemetry tracer provider.
package otelutil

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	otlptracegrpc "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/KafClaw/wabridge/internal/config"
)

var (
	mu sync.Mutex
	tp *sdktrace.TracerProvider
)

// Init installs a tracer provider for cfg.Exporter ("otlp" or "stdout").
// An empty exporter leaves the no-op provider in place and returns false.
func Init(ctx context.Context, cfg config.TracingConfig) (bool, error) {
	exporter := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if exporter == "" {
		return false, nil
	}
	name := cfg.ServiceName
	if name == "" {
		name = "wabridge"
	}
	res, err := sdkresource.New(ctx, sdkresource.WithAttributes(semconv.ServiceNameKey.String(name)))
	if err != nil {
		return false, fmt.Errorf("otel resource: %w", err)
	}

	var exp sdktrace.SpanExporter
	switch exporter {
	case "otlp":
		exp, err = newOTLP(ctx, cfg)
	case "stdout":
		exp, err = newStdout(os.Stdout)
	default:
		return false, fmt.Errorf("unknown tracing exporter %q (want otlp or stdout)", cfg.Exporter)
	}
	if err != nil {
		return false, err
	}

	install(sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res)))
	return true, nil
}

func newOTLP(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	endpoint := cfg.OTLPEndpoint
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		return nil, fmt.Errorf("otlp exporter needs tracing.otlpEndpoint or OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://"))}
	if cfg.Insecure || strings.HasPrefix(endpoint, "http://") {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if hdrs := parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")); len(hdrs) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(hdrs))
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	return exp, nil
}

func newStdout(w io.Writer) (sdktrace.SpanExporter, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("stdout exporter: %w", err)
	}
	return exp, nil
}

// parseHeaders reads the comma separated key=value list of
// OTEL_EXPORTER_OTLP_HEADERS.
func parseHeaders(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func install(p *sdktrace.TracerProvider) {
	mu.Lock()
	tp = p
	mu.Unlock()
	otel.SetTracerProvider(p)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
}

// Flush shuts the provider down, exporting pending spans. Safe to call more
// than once.
func Flush() {
	mu.Lock()
	p := tp
	tp = nil
	mu.Unlock()
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = p.Shutdown(ctx)
}
