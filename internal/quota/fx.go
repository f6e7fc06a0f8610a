package quota

import (
	"github.com/User159951/intellipm/internal/quota/service"
	"go.uber.org/fx"
)

var Module = fx.Module("quota",
	fx.Provide(service.NewService),
)
