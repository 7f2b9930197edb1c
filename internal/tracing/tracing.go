// Package tracing provides opt-in OpenTelemetry tracing for the assignz
// server. Tracing is enabled only when OTEL_EXPORTER_OTLP_ENDPOINT is set;
// otherwise [Init] returns a no-op shutdown function and the global no-op
// provider stays in place, so spans started by the engine cost nothing.
package tracing

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const defaultServiceName = "assignz"

// Init configures the global tracer provider with an OTLP HTTP exporter.
// version is recorded as service.version when non-empty; weighting names the
// bandit weighting scheme the process evaluates with.
//
// The returned function should be called on server shutdown to flush pending
// spans.
func Init(ctx context.Context, version, weighting string) (shutdown func(context.Context) error, err error) {
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	if err := validateEndpoint(endpoint); err != nil {
		return nil, err
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(serviceNameFromEnv())}
	if version != "" {
		attrs = append(attrs, semconv.ServiceVersion(version))
	}
	if weighting != "" {
		attrs = append(attrs, attribute.String("assignz.bandit_weighting", weighting))
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

func serviceNameFromEnv() string {
	if name := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); name != "" {
		return name
	}
	return defaultServiceName
}

func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid OTLP endpoint %q: scheme must be http or https", endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid OTLP endpoint %q: missing host", endpoint)
	}
	return nil
}
