package daemon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/relaymesh/agent-relay/internal/domain/model"
	"github.com/relaymesh/agent-relay/internal/domain/registry"
	"github.com/relaymesh/agent-relay/internal/router"
	"github.com/relaymesh/agent-relay/pkg/wire"
)

// dedupeCapacity bounds the per-connection cache of handled envelope ids.
const dedupeCapacity = 2000

// writeQueueSize bounds envelopes waiting for the coalescing writer.
const writeQueueSize = 512

// Conn owns one client socket: frame decode, handshake, heartbeat and the
// coalesced write path. It implements router.Peer after a successful
// handshake.
type Conn struct {
	id   uuid.UUID
	sock net.Conn
	d    *Daemon
	log  *slog.Logger

	decoder *wire.Decoder
	writer  *wire.Writer

	agent   string
	session *model.Session
	seen    *lru.Cache[string, struct{}]

	writeCh chan *wire.Envelope
	done    chan struct{}

	lastTraffic atomic.Int64 // unix milli of last inbound envelope
	missedPongs atomic.Int32
	saidBye     atomic.Bool
	closeOnce   sync.Once
}

var _ router.Peer = (*Conn)(nil)

func newConn(sock net.Conn, d *Daemon) *Conn {
	seen, _ := lru.New[string, struct{}](dedupeCapacity)
	c := &Conn{
		id:      uuid.New(),
		sock:    sock,
		d:       d,
		decoder: new(wire.Decoder),
		seen:    seen,
		writeCh: make(chan *wire.Envelope, writeQueueSize),
		done:    make(chan struct{}),
	}
	c.log = d.log.With(slog.String("conn_id", c.id.String()))
	c.lastTraffic.Store(time.Now().UnixMilli())
	return c
}

func (c *Conn) ID() uuid.UUID     { return c.id }
func (c *Conn) AgentName() string { return c.agent }

func (c *Conn) SessionID() string {
	if c.session == nil {
		return ""
	}
	return c.session.ID
}

// Enqueue queues env for the coalescing writer. Returns false when the queue
// is saturated or the connection is closing; the tracker will retry.
func (c *Conn) Enqueue(env *wire.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.writeCh <- env:
		return true
	default:
		return false
	}
}

// serve runs the connection to completion. It blocks until the socket dies
// or the daemon shuts the connection down.
func (c *Conn) serve(ctx context.Context) {
	defer c.teardown()

	go c.writeLoop()

	if !c.handshake() {
		return
	}

	c.log = c.log.With(slog.String("agent", c.agent), slog.String("session_id", c.session.ID))
	c.log.Info("agent connected")

	go c.heartbeatLoop(ctx)
	c.readLoop(ctx)
}

// handshake expects a HELLO within the configured deadline and answers
// WELCOME. Any failure sends a fatal ERROR and reports false.
func (c *Conn) handshake() bool {
	deadline := time.Now().Add(c.d.cfg.Daemon.HandshakeTimeout)
	_ = c.sock.SetReadDeadline(deadline)
	defer c.sock.SetReadDeadline(time.Time{})

	buf := make([]byte, 32*1024)
	for {
		n, err := c.sock.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				c.fatal(wire.CodeHandshakeTimeout, "no HELLO within handshake deadline")
			}
			return false
		}
		envs, derr := c.decoder.Decode(buf[:n])
		if derr != nil {
			c.d.metrics.FramesRejected.Inc()
			c.fatal(wire.CodeInvalidFrame, derr.Error())
			return false
		}
		if len(envs) == 0 {
			continue
		}

		// The first envelope decides the connection's egress dialect.
		c.writer = wire.NewWriter(c.sock, c.decoder.LastMode(), c.decoder.LastCodec())

		env := envs[0]
		if env.Type != wire.TypeHello {
			c.fatal(wire.CodeValidationFailed, "expected HELLO, got "+string(env.Type))
			return false
		}
		if !c.handleHello(env) {
			return false
		}
		// Envelopes pipelined behind the HELLO are processed normally.
		for _, extra := range envs[1:] {
			c.dispatch(extra)
		}
		return true
	}
}

func (c *Conn) handleHello(env *wire.Envelope) bool {
	var hello wire.HelloPayload
	if err := env.DecodePayload(&hello); err != nil {
		c.fatal(wire.CodeValidationFailed, "malformed HELLO payload")
		return false
	}

	// Resume lookup happens before registration so a stale token never
	// claims the name.
	var sess *model.Session
	resumed := false
	if hello.Session != nil && hello.Session.ResumeToken != "" {
		stored, err := c.d.store.GetSessionByResumeToken(context.Background(), hello.Session.ResumeToken)
		if err != nil || !stored.Matches(hello.Agent) {
			c.fatal(wire.CodeResumeTooOld, "resume token is not valid for this agent")
			return false
		}
		sess = stored
		resumed = true
	}

	agent, err := c.d.registry.Register(&hello, c.id)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrDuplicateConnection):
			c.fatal(wire.CodeDuplicateConnection, "name already bound to a live connection")
		case errors.Is(err, registry.ErrAgentLimit):
			c.fatal(wire.CodeAgentLimit, "agent limit reached")
		default:
			c.fatal(wire.CodeUnauthorizedName, "name is reserved")
		}
		return false
	}
	c.agent = agent.Name

	if sess == nil {
		sess = model.NewSession(agent.Name, hello.CLI)
		sess.ProjectID = c.d.cfg.Daemon.WorkspaceID
		if err := c.d.store.StartSession(context.Background(), sess); err != nil {
			c.log.Warn("session persist failed", slog.Any("error", err))
		}
	}
	c.session = sess

	welcome := wire.New(wire.TypeWelcome)
	payload := wire.WelcomePayload{
		SessionID:   sess.ID,
		ResumeToken: sess.ResumeToken,
	}
	if streams, err := c.d.store.GetMaxSeqByStream(context.Background(), agent.Name, sess.ID); err == nil && len(streams) > 0 {
		payload.SeedSequences = make(map[string]uint64, len(streams))
		for _, s := range streams {
			payload.SeedSequences[s.Peer] = s.MaxSeq
		}
	}
	if err := welcome.SetPayload(payload); err != nil {
		c.fatal(wire.CodeInternal, "welcome encode failed")
		return false
	}
	c.Enqueue(welcome)

	c.d.router.Register(c)
	// First HELLO is the single place #general membership is granted.
	c.d.router.HandleChannelJoin(c, model.GeneralChannel)

	// Replay before anything new so resumed sessions see their backlog in
	// original order.
	if resumed {
		if n := c.d.router.ReplayPending(c); n > 0 {
			c.log.Info("replayed pending deliveries", slog.Int("count", n))
		}
	}

	c.d.onAgentUp(c.agent)
	return true
}

func (c *Conn) readLoop(ctx context.Context) {
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		n, err := c.sock.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Debug("socket read failed", slog.Any("error", err))
			}
			return
		}
		envs, derr := c.decoder.Decode(buf[:n])
		for _, env := range envs {
			c.dispatch(env)
		}
		if derr != nil {
			c.d.metrics.FramesRejected.Inc()
			c.fatal(wire.CodeInvalidFrame, derr.Error())
			return
		}
	}
}

// dispatch applies one inbound envelope. Processing is strictly serial per
// connection.
func (c *Conn) dispatch(env *wire.Envelope) {
	c.lastTraffic.Store(time.Now().UnixMilli())
	c.missedPongs.Store(0)

	// At-least-once means retried frames can arrive twice; handle each id
	// once per connection.
	if env.ID != "" && env.Type != wire.TypeAck && env.Type != wire.TypePing && env.Type != wire.TypePong {
		if _, dup := c.seen.Get(env.ID); dup {
			return
		}
		c.seen.Add(env.ID, struct{}{})
	}
	if c.agent != "" {
		c.d.registry.Touch(c.agent)
	}

	switch env.Type {
	case wire.TypeSend:
		if env.To == "" && env.Topic != "" {
			c.d.router.RouteTopic(c, env)
			return
		}
		c.d.router.Route(c, env)

	case wire.TypeAck:
		c.d.router.HandleAck(c, env)

	case wire.TypePing:
		pong := wire.New(wire.TypePong)
		pong.PayloadMeta = &wire.PayloadMeta{ReplyTo: env.ID}
		c.Enqueue(pong)

	case wire.TypePong:
		// lastTraffic and missedPongs already updated above.

	case wire.TypeBye:
		c.log.Info("agent said goodbye")
		c.saidBye.Store(true)
		c.close()

	case wire.TypeSubscribe:
		c.d.router.Subscribe(c.agent, env.Topic)

	case wire.TypeUnsubscribe:
		c.d.router.Unsubscribe(c.agent, env.Topic)

	case wire.TypeChannelJoin:
		var p wire.ChannelPayload
		if err := env.DecodePayload(&p); err == nil {
			c.d.router.HandleChannelJoin(c, p.Channel)
		}

	case wire.TypeChannelLeave:
		var p wire.ChannelPayload
		if err := env.DecodePayload(&p); err == nil {
			c.d.router.HandleChannelLeave(c, p.Channel)
		}

	case wire.TypeChannelMessage:
		c.d.router.HandleChannelMessage(c, env)

	case wire.TypeShadowBind:
		var p wire.ShadowBindPayload
		if err := env.DecodePayload(&p); err == nil {
			c.d.router.BindShadow(c, p)
		}

	case wire.TypeShadowUnbind:
		var p wire.ShadowUnbindPayload
		if err := env.DecodePayload(&p); err == nil {
			c.d.router.UnbindShadow(c, p.Primary)
		}

	case wire.TypeLog:
		var p wire.LogPayload
		if err := env.DecodePayload(&p); err == nil {
			c.log.Debug("worker log", slog.String("level", p.Level), slog.String("line", p.Line))
		}

	case wire.TypeBusy:
		c.d.registry.SetProcessing(c.agent, true)

	case wire.TypeAgentReady:
		// Workers surface their own readiness; rebroadcast to everyone.
		c.d.router.MarkIdle(c.agent)
		c.d.broadcastAgentReady(c.agent)

	case wire.TypeSpawn, wire.TypeRelease:
		c.d.handleSpawnRelease(c, env)

	case wire.TypeStatus, wire.TypeInbox, wire.TypeMessagesQuery, wire.TypeListAgents,
		wire.TypeHealth, wire.TypeMetrics, wire.TypeRemoveAgent:
		c.d.handleQuery(c, env)

	default:
		c.log.Debug("unhandled envelope type", slog.String("type", string(env.Type)))
	}
}

// writeLoop drains the queue and flushes bursts as single writes.
func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.writeCh:
			if c.writer == nil {
				continue
			}
			if err := c.writer.Enqueue(env); err != nil {
				c.log.Debug("frame encode failed", slog.Any("error", err))
			}
		drain:
			for {
				select {
				case more := <-c.writeCh:
					if err := c.writer.Enqueue(more); err != nil {
						c.log.Debug("frame encode failed", slog.Any("error", err))
					}
				default:
					break drain
				}
			}
			if err := c.writer.Flush(); err != nil {
				c.close()
				return
			}
		}
	}
}

// heartbeatLoop pings the peer when the link has been quiet for a full
// interval and drops it after two unanswered pings. Agents mid-processing get
// one extra interval of slack.
func (c *Conn) heartbeatLoop(ctx context.Context) {
	interval := c.d.cfg.Daemon.HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case now := <-ticker.C:
			quiet := now.UnixMilli() - c.lastTraffic.Load()
			if quiet < interval.Milliseconds() {
				continue
			}
			missed := c.missedPongs.Load()
			limit := int32(2)
			if c.d.registry.IsProcessing(c.agent) {
				limit = 3
			}
			if missed >= limit {
				c.log.Warn("heartbeat expired, dropping connection", slog.Int("missed_pongs", int(missed)))
				c.close()
				return
			}
			c.Enqueue(wire.New(wire.TypePing))
			c.missedPongs.Add(1)
		}
	}
}

// fatal sends an ERROR frame and closes the socket. Best effort: the frame is
// written synchronously because the write loop may already be gone.
func (c *Conn) fatal(code wire.ErrorCode, msg string) {
	env, err := wire.NewWithPayload(wire.TypeError, wire.ErrorPayload{
		Code:    code,
		Message: msg,
		Fatal:   true,
	})
	if err == nil {
		w := c.writer
		if w == nil {
			w = wire.NewWriter(c.sock, wire.ModeLegacy, wire.JSONCodec{})
		}
		if w.Enqueue(env) == nil {
			_ = w.Flush()
		}
	}
	c.close()
}

// sendBye announces a graceful daemon-side shutdown.
func (c *Conn) sendBye(reason string) {
	env, err := wire.NewWithPayload(wire.TypeBye, wire.ByePayload{Reason: reason})
	if err != nil {
		return
	}
	if c.writer != nil {
		if c.writer.Enqueue(env) == nil {
			_ = c.writer.Flush()
		}
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.sock.Close()
	})
}

// teardown unwinds registration after serve returns.
func (c *Conn) teardown() {
	c.close()
	if c.agent != "" {
		c.d.router.Unregister(c)
		c.d.registry.Disconnect(c.agent, c.id)
		c.d.onAgentDown(c.agent)

		// A BYE ends the session for good; a dropped socket leaves it open
		// so a resume token can still claim it.
		if c.session != nil && c.saidBye.Load() {
			_ = c.d.store.EndSession(context.Background(), c.session.ID, c.agent)
		}
		c.log.Info("agent disconnected")
	}
	c.d.removeConn(c)
}
