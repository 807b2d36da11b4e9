package daemon

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("daemon",
	fx.Provide(
		func() Spawner { return NoopSpawner{} },
		New,
	),
	fx.Invoke(func(lc fx.Lifecycle, d *Daemon) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return d.Start(ctx)
			},
			OnStop: func(ctx context.Context) error {
				return d.Stop(ctx) // [GRACEFUL_SHUTDOWN] BYE-drain every connection
			},
		})
	}),
)
