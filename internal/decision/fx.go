package decision

import (
	"github.com/User159951/intellipm/internal/decision/service"
	"go.uber.org/fx"
)

var Module = fx.Module("decision",
	fx.Provide(service.NewService),
)
