package bus

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("bus",
	fx.Provide(
		NewEventDispatcher,
		NewBusCloudSync,
		fx.Annotate(
			func(s *BusCloudSync) CloudSyncer { return s },
			fx.As(new(CloudSyncer)),
		),
	),
	fx.Invoke(func(lc fx.Lifecycle, d EventDispatcher) {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return d.Close() // [GRACEFUL_SHUTDOWN] Drain in-process subscribers
			},
		})
	}),
)
