package storage

import (
	"context"

	"go.uber.org/fx"
)

// Module provides the configured Store. The backend switch lives in the cmd
// wiring so this package stays import-cycle free of badgerstore.
var Module = fx.Module("storage",
	fx.Invoke(func(lc fx.Lifecycle, store Store) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return store.Init(ctx)
			},
			OnStop: func(context.Context) error {
				return store.Close() // [GRACEFUL_SHUTDOWN] Flush the backend
			},
		})
	}),
)
