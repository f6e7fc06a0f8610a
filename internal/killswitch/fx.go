package killswitch

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("killswitch",
	fx.Provide(
		NewRedisFanout,
		provideRegistry,
	),
	fx.Invoke(startFanoutListener),
)

func provideRegistry(db *gorm.DB, log *zap.Logger, fanout *RedisFanout) Registry {
	if fanout == nil {
		return NewRegistry(db, log, nil)
	}
	return NewRegistry(db, log, fanout)
}

func startFanoutListener(lc fx.Lifecycle, fanout *RedisFanout, registry Registry) {
	if fanout == nil {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			go fanout.Listen(ctx, registry)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return fanout.Close()
				},
			})
			return nil
		},
	})
}
