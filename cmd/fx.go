package cmd

import (
	"log/slog"
	"os"

	"go.uber.org/fx"

	"github.com/relaymesh/agent-relay/config"
	"github.com/relaymesh/agent-relay/infra/server/httpapi"
	"github.com/relaymesh/agent-relay/internal/adapter/bus"
	"github.com/relaymesh/agent-relay/internal/adapter/membership"
	"github.com/relaymesh/agent-relay/internal/daemon"
	"github.com/relaymesh/agent-relay/internal/domain/registry"
	"github.com/relaymesh/agent-relay/internal/metrics"
	"github.com/relaymesh/agent-relay/internal/router"
	"github.com/relaymesh/agent-relay/internal/spawner"
	"github.com/relaymesh/agent-relay/internal/storage"
	"github.com/relaymesh/agent-relay/internal/storage/badgerstore"
	"github.com/relaymesh/agent-relay/internal/tracker"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.NopLogger,
		fx.Provide(
			func() *config.Config { return cfg },
			NewLogger,
			ProvideStore,
			metrics.New,
		),
		fx.Decorate(DecorateSpawner),
		bus.Module,
		membership.Module,
		registry.Module,
		tracker.Module,
		storage.Module,
		router.Module,
		daemon.Module,
		httpapi.Module,
	)
}

// NewLogger builds the process logger from config. Text for terminals, JSON
// for collectors.
func NewLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

// ProvideStore picks the message-store backend.
func ProvideStore(cfg *config.Config, log *slog.Logger) storage.Store {
	switch cfg.Storage.Backend {
	case "badger":
		return badgerstore.New(cfg.Storage.Path, log)
	default:
		return storage.NewMemory(cfg.Storage.Capacity)
	}
}

// DecorateSpawner replaces the daemon's no-op spawner with a real one: HTTP
// delegation when a supervisor URL is configured, in-process forking
// otherwise. Both get the dedupe window.
func DecorateSpawner(_ daemon.Spawner, cfg *config.Config, log *slog.Logger) daemon.Spawner {
	var s daemon.Spawner
	if cfg.Orchestrator.SpawnerURL != "" {
		s = spawner.NewHTTPSpawner(cfg.Orchestrator.SpawnerURL, log)
	} else {
		s = spawner.NewProcessSpawner(cfg.Daemon.SocketPath, log)
	}
	return spawner.NewDeduper(s, log)
}
