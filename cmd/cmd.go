// Package cmd is the CLI entrypoint: `daemon` runs the relay hub on a unix
// socket, `work` runs one agent CLI under the worker orchestrator.
package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/relaymesh/agent-relay/config"
	"github.com/relaymesh/agent-relay/internal/orchestrator"
	"github.com/relaymesh/agent-relay/pkg/relay"
	"github.com/relaymesh/agent-relay/pkg/wire"
)

const ServiceName = "agent-relay"

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branch         = "branch"
	buildTimestamp = ""
)

func Run() error {
	app := &cli.App{
		Name:    ServiceName,
		Usage:   "Message relay for coordinating terminal AI agents",
		Version: version,
		Commands: []*cli.Command{
			daemonCmd(),
			workCmd(),
		},
	}

	return app.Run(os.Args)
}

func daemonCmd() *cli.Command {
	return &cli.Command{
		Name:    "daemon",
		Aliases: []string{"d"},
		Usage:   "Run the relay daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config_file"))
			if err != nil {
				return err
			}
			app := NewApp(cfg)

			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("Shutting down...")
			return app.Stop(context.Background())
		},
	}
}

func workCmd() *cli.Command {
	return &cli.Command{
		Name:  "work",
		Usage: "Run one agent CLI under the relay orchestrator",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
			&cli.StringFlag{
				Name:  "name",
				Usage: "Agent identity on the relay",
			},
			&cli.StringFlag{
				Name:  "cli",
				Value: "claude",
				Usage: "Command line to run under the pty",
			},
			&cli.StringFlag{
				Name:  "task",
				Usage: "Initial prompt typed in once the CLI is ready",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config_file"))
			if err != nil {
				return err
			}
			name := c.String("name")
			if name == "" {
				name = cfg.Orchestrator.AgentName
			}
			if name == "" {
				return cli.Exit("agent name required (--name or RELAY_AGENT_NAME)", 2)
			}
			return runWorker(c.Context, cfg, name, c.String("cli"), c.String("task"))
		},
	}
}

// runWorker wires a relay client to an orchestrator and blocks until the
// session ends or a signal arrives.
func runWorker(ctx context.Context, cfg *config.Config, name, cliCmd, task string) error {
	log := NewLogger(cfg)

	client := relay.NewClient(name,
		relay.WithSocketPath(cfg.Daemon.SocketPath),
		relay.WithCLI(cliCmd),
		relay.WithTask(task),
		relay.WithLogger(log),
	)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Destroy()

	orch := orchestrator.New(cfg.Orchestrator, name, cliCmd, client, log,
		orchestrator.WithWorkspaceID(cfg.Daemon.WorkspaceID),
		orchestrator.WithTask(task),
	)
	client.OnMessage(func(msg relay.Message) { orch.Enqueue(msg) })
	client.OnChannelMessage(func(_ string, msg relay.Message) { orch.Enqueue(msg) })
	client.OnError(func(p wire.ErrorPayload) {
		log.Warn("relay error", slog.String("code", string(p.Code)), slog.String("message", p.Message))
	})

	if err := orch.Start(ctx); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("worker shutting down", slog.String("agent", name))
	orch.Stop()
	client.Disconnect("worker shutdown")
	return nil
}
