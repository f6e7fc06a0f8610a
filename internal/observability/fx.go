package observability

import (
	"context"

	"github.com/User159951/intellipm/internal/config"
	"github.com/User159951/intellipm/internal/observability/metrics"
	"github.com/User159951/intellipm/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		metrics.New,
		provideTracingConfig,
		provideTracerProvider,
	),
	fx.Invoke(ensureTracingProvider),
)

func ensureTracingProvider(_ *sdktrace.TracerProvider) {}

func provideTracingConfig(cfg config.Config) tracing.Config {
	return tracing.Config{
		Enabled:          cfg.OtelEnabled,
		ServiceName:      cfg.AppName,
		ServiceVersion:   cfg.AppVersion,
		Environment:      cfg.Environment,
		ExporterEndpoint: cfg.OTLPEndpoint,
	}
}

func provideTracerProvider(lc fx.Lifecycle, cfg tracing.Config) (*sdktrace.TracerProvider, error) {
	provider, err := tracing.NewProvider(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tracing.Shutdown(ctx, provider)
		},
	})

	return provider, nil
}
