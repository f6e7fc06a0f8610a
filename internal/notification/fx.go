package notification

import (
	"github.com/User159951/intellipm/internal/events"
	"go.uber.org/fx"
)

var Module = fx.Module("notification",
	fx.Provide(NewService),
	fx.Invoke(func(svc *Service, registry *events.Registry) {
		svc.RegisterConsumers(registry)
	}),
)
