package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// setupOTEL installs a global tracer provider when an exporter is configured.
// The returned func flushes and stops it.
func setupOTEL(ctx context.Context, cctx *cli.Context) (func(context.Context) error, error) {
	env := cctx.String("env")
	if env == "" {
		env = "dev"
	}

	var exporters []tracesdk.SpanExporter
	if cctx.Bool("jaeger") {
		jaegerUrl := "http://localhost:14268/api/traces"
		exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerUrl)))
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, exp)
	}

	// Enable OTLP HTTP exporter
	// For relevant environment variables:
	// https://pkg.go.dev/go.opentelemetry.io/otel/exporters/otlp/otlptrace#readme-environment-variables
	if ep := cctx.String("otel-exporter-otlp-endpoint"); ep != "" {
		slog.Info("setting up trace exporter", "endpoint", ep)
		exp, err := otlptracehttp.New(ctx)
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, exp)
	}

	if len(exporters) == 0 {
		return func(context.Context) error { return nil }, nil
	}

	opts := []tracesdk.TracerProviderOption{
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("warden"),
			attribute.String("env", env),         // DataDog
			attribute.String("environment", env), // Others
		)),
	}
	for _, exp := range exporters {
		opts = append(opts, tracesdk.WithBatcher(exp))
	}
	tp := tracesdk.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
	}, nil
}
