// Package telemetry wires up OpenTelemetry tracing for the proxy
// orchestrator. One span covers each request, with child spans for the
// secret scan, anonymize and upstream-call steps and, on the unary path,
// deanonymize. Quota admission and streamed deanonymization have no
// span of their own.
package telemetry

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName identifies this process in emitted spans and resources.
const ServiceName = "pii-airlock"

// Tracer is the package-wide tracer used by the orchestrator to start
// pipeline-step spans.
var Tracer trace.Tracer = otel.Tracer(ServiceName)

// InitTracer configures a TracerProvider. By default it exports spans
// to stdout (useful in development and tests without a collector);
// setting OTEL_EXPORTER=none disables export entirely while keeping a
// valid no-op provider installed. It returns a shutdown function the
// caller must invoke during graceful shutdown.
func InitTracer() (func(context.Context) error, error) {
	if os.Getenv("OTEL_EXPORTER") == "none" {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	Tracer = tp.Tracer(ServiceName)

	return tp.Shutdown, nil
}
