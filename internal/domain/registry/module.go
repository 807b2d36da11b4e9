package registry

import (
	"context"

	"github.com/relaymesh/agent-relay/config"
	"go.uber.org/fx"
)

var Module = fx.Module("registry",
	fx.Provide(
		// [CLEAN_INJECTION] Configure Registry using Functional Options
		func(cfg *config.Config) *Registry {
			return New(
				WithStateDir(cfg.Daemon.StateDir),
				WithMaxAgents(cfg.Daemon.MaxAgents),
			)
		},
		fx.Annotate(
			func(r *Registry) Registrar { return r },
			fx.As(new(Registrar)),
		),
	),
	fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, r *Registry) {
		runCtx, cancel := context.WithCancel(context.Background())
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				if err := r.EnsureStateDir(); err != nil {
					return err
				}
				go r.RunProcessingWriter(runCtx, cfg.Daemon.StateWriteInterval)
				return nil
			},
			OnStop: func(context.Context) error {
				cancel()
				r.FlushAgents() // [GRACEFUL_SHUTDOWN] Final snapshot before exit
				r.FlushConnected()
				return nil
			},
		})
	}),
)
