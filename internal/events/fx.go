package events

import (
	"github.com/User159951/intellipm/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("events",
	fx.Provide(
		NewRegistry,
		NewOutbox,
		provideDispatcherConfig,
		NewDispatcher,
		NewDeadLetterService,
	),
)

func provideDispatcherConfig(cfg config.Config) DispatcherConfig {
	return DispatcherConfig{
		BatchSize:       cfg.Governance.OutboxBatchSize,
		MaxAttempts:     cfg.Governance.OutboxMaxAttempts,
		LeaseTTL:        cfg.Governance.OutboxLeaseTTL,
		DeliveryTimeout: cfg.Governance.DeliveryTimeout,
	}
}
