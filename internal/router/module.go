package router

import (
	"log/slog"

	"github.com/relaymesh/agent-relay/config"
	"github.com/relaymesh/agent-relay/internal/adapter/bus"
	"github.com/relaymesh/agent-relay/internal/adapter/membership"
	"github.com/relaymesh/agent-relay/internal/domain/registry"
	"github.com/relaymesh/agent-relay/internal/metrics"
	"github.com/relaymesh/agent-relay/internal/storage"
	"github.com/relaymesh/agent-relay/internal/tracker"
	"go.uber.org/fx"
)

var Module = fx.Module("router",
	fx.Provide(
		func(
			cfg *config.Config,
			reg registry.Registrar,
			keeper tracker.Keeper,
			store storage.Store,
			dispatcher bus.EventDispatcher,
			members membership.Storer,
			m *metrics.Metrics,
			log *slog.Logger,
		) *Router {
			return New(reg, keeper, store, dispatcher, members, m, log,
				WithWorkspaceID(cfg.Daemon.WorkspaceID),
			)
		},
	),
)
