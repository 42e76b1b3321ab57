// Package telemetry wires Squall's review and dispatch spans to an OTLP
// gRPC exporter. It is off by default — a local CLI tool has no trace
// collector to talk to until the operator configures one.
package telemetry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/squall-dispatch/squall/internal/config"
)

// Tracer is the package-wide tracer used to annotate review and dispatch
// spans. It is a no-op tracer until Init is called with telemetry enabled.
var Tracer = otel.Tracer("squall")

// Init sets up OpenTelemetry tracing with an OTLP gRPC exporter when
// cfg.Enabled is set. Returns a shutdown function that flushes pending
// spans; call it is a no-op when telemetry was never enabled.
func Init(cfg config.TelemetryConfig) (func(context.Context) error, error) {
	if !cfg.Enabled || cfg.OTLPEndpoint == "" {
		log.Debug().Msg("telemetry disabled")
		return func(ctx context.Context) error { return nil }, nil
	}

	ctx := context.Background()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
	))
	Tracer = tp.Tracer("squall")

	log.Info().
		Str("endpoint", cfg.OTLPEndpoint).
		Str("service", cfg.ServiceName).
		Msg("OpenTelemetry tracing initialized")

	return tp.Shutdown, nil
}

// StartReview opens a span around one review executor run, tagged with the
// prompt digest and model count so a trace backend can pivot on either.
func StartReview(ctx context.Context, promptDigest string, modelCount int) (context.Context, trace.Span) {
	return Tracer.Start(ctx, "squall.review",
		trace.WithAttributes(
			attribute.String("squall.prompt_digest", promptDigest),
			attribute.Int("squall.model_count", modelCount),
		),
	)
}

// StartDispatch opens a span around one model dispatch, tagged with the
// model key and backend so slow or failing models are visible per-span
// rather than folded into the parent review span's total.
func StartDispatch(ctx context.Context, modelKey, backend string) (context.Context, trace.Span) {
	return Tracer.Start(ctx, "squall.dispatch",
		trace.WithAttributes(
			attribute.String("squall.model_key", modelKey),
			attribute.String("squall.backend", backend),
		),
	)
}
