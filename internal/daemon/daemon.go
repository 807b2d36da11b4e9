/*
Package daemon owns the listener socket and the lifecycle of everything
behind it: per-connection frame loops, handshake and heartbeat policy, the
periodic state writers and the debounced cloud-sync uplink.
*/
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/relaymesh/agent-relay/config"
	"github.com/relaymesh/agent-relay/internal/adapter/bus"
	"github.com/relaymesh/agent-relay/internal/domain/event"
	"github.com/relaymesh/agent-relay/internal/domain/registry"
	"github.com/relaymesh/agent-relay/internal/metrics"
	"github.com/relaymesh/agent-relay/internal/router"
	"github.com/relaymesh/agent-relay/internal/storage"
	"github.com/relaymesh/agent-relay/internal/tracker"
	"github.com/relaymesh/agent-relay/pkg/wire"
)

type Daemon struct {
	cfg        *config.Config
	log        *slog.Logger
	registry   registry.Registrar
	router     *router.Router
	tracker    tracker.Keeper
	store      storage.Store
	metrics    *metrics.Metrics
	cloudSync  bus.CloudSyncer
	dispatcher bus.EventDispatcher
	spawner    Spawner

	listener net.Listener
	connMu   sync.Mutex
	conns    map[uuid.UUID]*Conn

	agentsDirty chan struct{}
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func New(
	cfg *config.Config,
	log *slog.Logger,
	reg registry.Registrar,
	rt *router.Router,
	keeper tracker.Keeper,
	store storage.Store,
	m *metrics.Metrics,
	cloudSync bus.CloudSyncer,
	dispatcher bus.EventDispatcher,
	spawner Spawner,
) *Daemon {
	return &Daemon{
		cfg:         cfg,
		log:         log,
		registry:    reg,
		router:      rt,
		tracker:     keeper,
		store:       store,
		metrics:     m,
		cloudSync:   cloudSync,
		dispatcher:  dispatcher,
		spawner:     spawner,
		conns:       make(map[uuid.UUID]*Conn),
		agentsDirty: make(chan struct{}, 1),
	}
}

func (d *Daemon) pidPath() string {
	return d.cfg.Daemon.SocketPath + ".pid"
}

// Start binds the socket and begins accepting. Returns an error when another
// live daemon already owns the socket.
func (d *Daemon) Start(context.Context) error {
	path := d.cfg.Daemon.SocketPath
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("daemon: socket dir: %w", err)
	}
	if err := d.claimSocket(); err != nil {
		return err
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("daemon: listen %s: %w", path, err)
	}
	// Only the owning user may talk to the relay.
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("daemon: chmod socket: %w", err)
	}
	if err := os.WriteFile(d.pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("daemon: write pid file: %w", err)
	}
	d.listener = listener

	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.wg.Add(2)
	go d.acceptLoop(runCtx)
	go d.cloudSyncLoop(runCtx)

	d.log.Info("daemon listening", slog.String("socket", path))
	return nil
}

// claimSocket refuses to start when the pid file points at a live process,
// and clears stale leftovers otherwise.
func (d *Daemon) claimSocket() error {
	raw, err := os.ReadFile(d.pidPath())
	if err == nil {
		if pid, perr := strconv.Atoi(string(raw)); perr == nil && pid > 0 {
			if proc, ferr := os.FindProcess(pid); ferr == nil {
				if sigErr := proc.Signal(syscall.Signal(0)); sigErr == nil {
					return fmt.Errorf("daemon: socket %s already owned by pid %d", d.cfg.Daemon.SocketPath, pid)
				}
			}
		}
	}
	_ = os.Remove(d.cfg.Daemon.SocketPath)
	_ = os.Remove(d.pidPath())
	return nil
}

func (d *Daemon) acceptLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		sock, err := d.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.log.Warn("accept failed", slog.Any("error", err))
			continue
		}
		conn := newConn(sock, d)
		d.connMu.Lock()
		d.conns[conn.id] = conn
		d.connMu.Unlock()

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			conn.serve(ctx)
		}()
	}
}

// cloudSyncLoop debounces roster churn into one UpdateAgents call per quiet
// period.
func (d *Daemon) cloudSyncLoop(ctx context.Context) {
	defer d.wg.Done()
	debounce := d.cfg.Daemon.CloudSyncDebounce
	if debounce <= 0 {
		debounce = time.Second
	}
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.agentsDirty:
			if timer == nil {
				timer = time.NewTimer(debounce)
				fire = timer.C
			}
			// Signals during the window coalesce into the armed timer.
		case <-fire:
			timer = nil
			fire = nil
			syncCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_ = d.cloudSync.UpdateAgents(syncCtx, d.registry.List())
			cancel()
		}
	}
}

// onAgentUp runs after a successful handshake.
func (d *Daemon) onAgentUp(name string) {
	d.markAgentsDirty()
	d.broadcastAgentReady(name)
	_ = d.dispatcher.Publish(context.Background(), event.NewAgentReady(name))
}

func (d *Daemon) onAgentDown(string) {
	d.markAgentsDirty()
}

func (d *Daemon) markAgentsDirty() {
	select {
	case d.agentsDirty <- struct{}{}:
	default:
	}
}

// broadcastAgentReady tells every connected peer that name finished its
// handshake; spawners block on this signal.
func (d *Daemon) broadcastAgentReady(name string) {
	env, err := wire.NewWithPayload(wire.TypeAgentReady, wire.AgentReadyPayload{Name: name})
	if err != nil {
		return
	}
	env.From = "system"
	d.router.BroadcastSystemMessage(env)
}

func (d *Daemon) removeConn(c *Conn) {
	d.connMu.Lock()
	delete(d.conns, c.id)
	d.connMu.Unlock()
}

// InboundRemote synthesizes a local SEND on behalf of a remote daemon's
// agent. The cross-machine uplink calls this for traffic addressed to one of
// our agents.
func (d *Daemon) InboundRemote(from, to, body string, data map[string]any) {
	env, err := wire.NewWithPayload(wire.TypeSend, wire.SendPayload{
		Kind: wire.KindMessage,
		Body: body,
		Data: data,
	})
	if err != nil {
		return
	}
	env.From = from
	env.To = to
	d.router.Route(remotePeer{name: from}, env)
}

// remotePeer satisfies router.Peer for synthesized inbound traffic. It can
// never receive anything; errors to it vanish.
type remotePeer struct {
	name string
}

func (p remotePeer) ID() uuid.UUID               { return uuid.Nil }
func (p remotePeer) AgentName() string           { return p.name }
func (p remotePeer) SessionID() string           { return "" }
func (p remotePeer) Enqueue(*wire.Envelope) bool { return false }

// Stop drains gracefully: no new connections, BYE to every peer, snapshots
// flushed by the registry module, socket and pid files removed.
func (d *Daemon) Stop(ctx context.Context) error {
	if d.listener != nil {
		_ = d.listener.Close()
	}

	d.connMu.Lock()
	conns := make([]*Conn, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.connMu.Unlock()
	for _, c := range conns {
		c.sendBye("daemon shutting down")
		c.close()
	}

	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn("shutdown drain timed out")
	}

	_ = os.Remove(d.cfg.Daemon.SocketPath)
	_ = os.Remove(d.pidPath())
	d.log.Info("daemon stopped")
	return nil
}
