package otelcol

import (
	"context"
	"time"

	"engagement-ledger/pkg/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module installs the global tracer provider. Without OTEL.ADDR spans stay
// in the no-op provider and only the trace ids in logs are affected.
var Module = fx.Module("otelcol",
	fx.Invoke(registerTracing),
)

func serviceResource(cfg *config.Config) *resource.Resource {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.AppName),
		attribute.String("service.version", cfg.AppVersion),
		attribute.String("deployment.environment", cfg.AppEnv),
	))
	if err != nil {
		return resource.Default()
	}
	return res
}

func ProvideTrace(exporter trace.SpanExporter, opts ...trace.TracerProviderOption) *trace.TracerProvider {
	opts = append(opts, trace.WithBatcher(exporter))
	return trace.NewTracerProvider(opts...)
}

func NewHTTPExporter(cfg *config.Config) (*otlptrace.Exporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.Otel.Addr),
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	)
	return otlptrace.New(ctx, client)
}

func registerTracing(lc fx.Lifecycle, cfg *config.Config) error {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.Otel.Addr == "" {
		zap.L().Info("[Otel] no collector address, tracing disabled")
		return nil
	}

	exporter, err := NewHTTPExporter(cfg)
	if err != nil {
		zap.L().Error("[Otel] failed to create trace exporter", zap.Error(err))
		return err
	}

	tp := ProvideTrace(exporter, trace.WithResource(serviceResource(cfg)))
	otel.SetTracerProvider(tp)
	zap.L().Info("[Otel] tracing enabled", zap.String("addr", cfg.Otel.Addr))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})
	return nil
}
