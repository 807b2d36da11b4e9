package httpapi

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/relaymesh/agent-relay/config"
	"github.com/relaymesh/agent-relay/internal/domain/registry"
	"github.com/relaymesh/agent-relay/internal/metrics"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		func(cfg *config.Config, reg registry.Registrar, m *metrics.Metrics, log *slog.Logger) *Server {
			if !cfg.HTTP.Enabled {
				return nil
			}
			return New(cfg.HTTP.Addr, cfg.Daemon.SocketPath, reg, m, log)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, s *Server) {
		if s == nil {
			return
		}
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				return s.Start()
			},
			OnStop: func(ctx context.Context) error {
				return s.Stop(ctx) // [GRACEFUL_SHUTDOWN] Drain open requests
			},
		})
	}),
)
