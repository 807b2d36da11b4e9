package tracker

import (
	"context"
	"log/slog"

	"github.com/relaymesh/agent-relay/config"
	"go.uber.org/fx"
)

var Module = fx.Module("tracker",
	fx.Provide(
		// [CLEAN_INJECTION] Configure Tracker using Functional Options
		func(cfg *config.Config, log *slog.Logger) *Tracker {
			return New(log,
				WithAckTimeout(cfg.Delivery.AckTimeout),
				WithMaxAttempts(cfg.Delivery.MaxAttempts),
				WithTTL(cfg.Delivery.TTL),
				WithMaxInflight(cfg.Delivery.MaxInflight),
			)
		},
		fx.Annotate(
			func(t *Tracker) Keeper { return t },
			fx.As(new(Keeper)),
		),
	),
	fx.Invoke(func(lc fx.Lifecycle, t *Tracker) {
		runCtx, cancel := context.WithCancel(context.Background())
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go t.Run(runCtx)
				return nil
			},
			OnStop: func(context.Context) error {
				cancel()
				t.Shutdown() // [GRACEFUL_SHUTDOWN] Stop the retry scan loop
				return nil
			},
		})
	}),
)
