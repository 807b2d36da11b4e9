/*
Package relay is the typed client for the agent relay daemon. It owns the
socket, the handshake, reconnect with backoff, DELIVER acking and dedupe, and
exposes request/response helpers on top of the raw envelope stream.

Handlers run on the client's read goroutine; anything slow belongs on the
caller's side of a channel.
*/
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/relaymesh/agent-relay/pkg/wire"
)

// State is the connection lifecycle phase.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateBackoff
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateBackoff:
		return "backoff"
	case StateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

var (
	// ErrDestroyed is returned once Destroy has been called.
	ErrDestroyed = errors.New("relay: client destroyed")
	// ErrNotConnected is returned when a send races a dropped connection.
	ErrNotConnected = errors.New("relay: not connected")
)

// FatalError wraps a daemon ERROR that terminates the session for good.
// Reconnecting cannot fix a duplicate name or a stale resume token.
type FatalError struct {
	Code    wire.ErrorCode
	Message string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("relay: %s: %s", e.Code, e.Message)
}

const deliverDedupeSize = 2000

// Message is the handler-facing view of one delivery.
type Message struct {
	ID         string
	From       string
	To         string
	OriginalTo string
	SessionID  string
	Seq        uint64
	Kind       wire.MessageKind
	Body       string
	Data       map[string]any
	Thread     string
	Importance int

	correlationID string
}

// MessageHandler receives unicast and broadcast deliveries.
type MessageHandler func(msg Message)

// ChannelMessageHandler receives channel-routed deliveries; channel is the
// original destination ("#general", "dm:a:b").
type ChannelMessageHandler func(channel string, msg Message)

// ErrorHandler receives daemon ERROR payloads, fatal ones included.
type ErrorHandler func(p wire.ErrorPayload)

// StateHandler observes lifecycle transitions.
type StateHandler func(s State)

// Client is a single agent identity on one daemon socket. Safe for concurrent
// use after Connect.
type Client struct {
	opts options
	name string
	log  *slog.Logger

	state atomic.Int32

	mu          sync.Mutex
	conn        net.Conn
	writer      *wire.Writer
	sessionID   string
	resumeToken string
	connEpoch   uint64

	seen       *lru.Cache[string, struct{}]
	ackWaits   map[string]chan *wire.Envelope // by correlation id
	reqWaits   map[string]chan Message        // by correlation id
	queryWaits map[string]chan *wire.Envelope // by request envelope id
	readyWaits map[string][]chan struct{}     // by lowercased agent name

	onMessage        MessageHandler
	onChannelMessage ChannelMessageHandler
	onError          ErrorHandler
	onState          StateHandler

	destroyed atomic.Bool
	fatalErr  atomic.Pointer[FatalError]
	closed    chan struct{}
	superOnce sync.Once
}

// NewClient builds a client for the given agent name. Connect starts it.
func NewClient(name string, opts ...Option) *Client {
	o := options{
		socketPath:   "/tmp/agent-relay.sock",
		entityType:   "agent",
		mode:         wire.ModeLegacy,
		codec:        wire.JSONCodec{},
		backoffBase:  defaultBackoffBase,
		backoffCap:   defaultBackoffCap,
		maxAttempts:  defaultMaxAttempts,
		helloTimeout: defaultHelloTimeout,
		log:          slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dial == nil {
		path := o.socketPath
		o.dial = func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		}
	}
	seen, _ := lru.New[string, struct{}](deliverDedupeSize)
	c := &Client{
		opts:       o,
		name:       name,
		log:        o.log.With(slog.String("agent", name)),
		seen:       seen,
		ackWaits:   make(map[string]chan *wire.Envelope),
		reqWaits:   make(map[string]chan Message),
		queryWaits: make(map[string]chan *wire.Envelope),
		readyWaits: make(map[string][]chan struct{}),
		closed:     make(chan struct{}),
	}
	c.resumeToken = o.resumeToken
	return c
}

// Name returns the wire identity.
func (c *Client) Name() string { return c.name }

// SessionID returns the session granted by the last WELCOME.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ResumeToken returns the token a future client can resume with.
func (c *Client) ResumeToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeToken
}

// State reports the current lifecycle phase.
func (c *Client) State() State { return State(c.state.Load()) }

// OnMessage installs the delivery handler.
func (c *Client) OnMessage(fn MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// OnChannelMessage installs the channel delivery handler.
func (c *Client) OnChannelMessage(fn ChannelMessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChannelMessage = fn
}

// OnError installs the daemon error handler.
func (c *Client) OnError(fn ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// OnStateChange installs the lifecycle observer.
func (c *Client) OnStateChange(fn StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *Client) messageHandlers() (MessageHandler, ChannelMessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onMessage, c.onChannelMessage
}

func (c *Client) errorHandler() ErrorHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onError
}

func (c *Client) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Connect dials and completes the handshake, retrying with backoff until the
// attempt budget runs out. On success a supervisor goroutine keeps the
// connection alive until Destroy.
func (c *Client) Connect(ctx context.Context) error {
	if c.destroyed.Load() {
		return ErrDestroyed
	}
	if err := c.connectWithBackoff(ctx); err != nil {
		return err
	}
	c.superOnce.Do(func() { go c.supervise() })
	return nil
}

// connectWithBackoff runs the attempt loop: full jitter on an exponential
// schedule, stopping early on fatal handshake errors.
func (c *Client) connectWithBackoff(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.opts.maxAttempts; attempt++ {
		if c.destroyed.Load() {
			return ErrDestroyed
		}
		err := c.connectOnce(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var fatal *FatalError
		if errors.As(err, &fatal) {
			c.fatalErr.Store(fatal)
			c.Destroy()
			return err
		}
		if attempt == c.opts.maxAttempts {
			break
		}

		delay := c.backoff(attempt)
		c.log.Debug("connect failed, backing off",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		c.setState(StateBackoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return ErrDestroyed
		case <-time.After(delay):
		}
	}
	c.setState(StateDisconnected)
	return fmt.Errorf("relay: connect gave up after %d attempts: %w", c.opts.maxAttempts, lastErr)
}

func (c *Client) backoff(attempt int) time.Duration {
	d := float64(c.opts.backoffBase)
	for i := 1; i < attempt; i++ {
		d *= defaultBackoffFactor
	}
	if max := float64(c.opts.backoffCap); d > max {
		d = max
	}
	jitter := 0.85 + rand.Float64()*0.30
	return time.Duration(d * jitter)
}

// connectOnce performs dial + HELLO/WELCOME and, on success, starts the read
// loop for the new connection.
func (c *Client) connectOnce(ctx context.Context) error {
	c.setState(StateConnecting)
	conn, err := c.opts.dial(ctx)
	if err != nil {
		return err
	}

	c.setState(StateHandshaking)
	writer := wire.NewWriter(conn, c.opts.mode, c.opts.codec)

	hello := wire.HelloPayload{
		Agent:             c.name,
		EntityType:        c.opts.entityType,
		CLI:               c.opts.cli,
		Role:              c.opts.role,
		Task:              c.opts.task,
		WorkingDirectory:  c.opts.workingDirectory,
		DisplayName:       c.opts.displayName,
		IsSystemComponent: c.opts.systemComponent,
		Capabilities: wire.Capabilities{
			Ack:            true,
			Resume:         true,
			MaxInflight:    c.opts.maxInflight,
			SupportsTopics: true,
		},
	}
	c.mu.Lock()
	if c.resumeToken != "" {
		hello.Session = &wire.HelloSession{ResumeToken: c.resumeToken}
	}
	c.mu.Unlock()

	env, err := wire.NewWithPayload(wire.TypeHello, hello)
	if err != nil {
		conn.Close()
		return err
	}
	env.From = c.name
	if werr := writer.Enqueue(env); werr == nil {
		err = writer.Flush()
	} else {
		err = werr
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("relay: send HELLO: %w", err)
	}

	welcome, err := c.awaitWelcome(conn)
	if err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.writer = writer
	c.sessionID = welcome.SessionID
	c.resumeToken = welcome.ResumeToken
	c.connEpoch++
	epoch := c.connEpoch
	c.mu.Unlock()

	c.setState(StateReady)
	c.log.Debug("connected", slog.String("session_id", welcome.SessionID))
	go c.readLoop(conn, epoch)
	return nil
}

// awaitWelcome reads frames until the WELCOME arrives. A fatal ERROR instead
// of a WELCOME aborts reconnecting entirely.
func (c *Client) awaitWelcome(conn net.Conn) (*wire.WelcomePayload, error) {
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.helloTimeout))
	defer conn.SetReadDeadline(time.Time{})

	decoder := new(wire.Decoder)
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("relay: await WELCOME: %w", err)
		}
		envs, derr := decoder.Decode(buf[:n])
		for _, env := range envs {
			switch env.Type {
			case wire.TypeWelcome:
				var welcome wire.WelcomePayload
				if perr := env.DecodePayload(&welcome); perr != nil {
					return nil, perr
				}
				return &welcome, nil
			case wire.TypeError:
				var p wire.ErrorPayload
				_ = env.DecodePayload(&p)
				if fn := c.errorHandler(); fn != nil {
					fn(p)
				}
				if p.Fatal {
					return nil, &FatalError{Code: p.Code, Message: p.Message}
				}
				return nil, fmt.Errorf("relay: handshake rejected: %s", p.Message)
			}
			// Anything else before WELCOME is out of order; skip it.
		}
		if derr != nil {
			return nil, derr
		}
	}
}

// supervise reconnects after connection loss until Destroy or attempt
// exhaustion.
func (c *Client) supervise() {
	for {
		select {
		case <-c.closed:
			return
		default:
		}
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			// Read loop died; rebuild the connection from scratch.
			if err := c.connectWithBackoff(context.Background()); err != nil {
				if !c.destroyed.Load() {
					c.log.Warn("reconnect gave up", slog.Any("error", err))
					c.Destroy()
				}
				return
			}
		}
		select {
		case <-c.closed:
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// readLoop decodes and dispatches until the connection dies. Only the loop
// matching the current epoch may tear down shared state.
func (c *Client) readLoop(conn net.Conn, epoch uint64) {
	decoder := new(wire.Decoder)
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			break
		}
		envs, derr := decoder.Decode(buf[:n])
		for _, env := range envs {
			c.dispatch(env)
		}
		if derr != nil {
			c.log.Debug("stream decode failed", slog.Any("error", derr))
			break
		}
	}
	conn.Close()

	c.mu.Lock()
	if c.connEpoch == epoch && c.conn == conn {
		c.conn = nil
		c.writer = nil
	}
	stale := c.connEpoch != epoch
	c.mu.Unlock()
	if stale || c.destroyed.Load() {
		return
	}
	c.setState(StateDisconnected)
	c.failPendingWaits()
}

// failPendingWaits unblocks callers stranded by a dropped connection.
func (c *Client) failPendingWaits() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.queryWaits {
		close(ch)
		delete(c.queryWaits, id)
	}
	for id, ch := range c.ackWaits {
		close(ch)
		delete(c.ackWaits, id)
	}
	for id, ch := range c.reqWaits {
		close(ch)
		delete(c.reqWaits, id)
	}
}

func (c *Client) dispatch(env *wire.Envelope) {
	switch env.Type {
	case wire.TypeDeliver:
		c.handleDeliver(env)

	case wire.TypeAck:
		var ack wire.AckPayload
		if err := env.DecodePayload(&ack); err != nil || ack.CorrelationID == "" {
			return
		}
		c.mu.Lock()
		ch, ok := c.ackWaits[ack.CorrelationID]
		if ok {
			delete(c.ackWaits, ack.CorrelationID)
		}
		c.mu.Unlock()
		if ok {
			ch <- env
		}

	case wire.TypePing:
		pong := wire.New(wire.TypePong)
		pong.PayloadMeta = &wire.PayloadMeta{ReplyTo: env.ID}
		_ = c.send(pong)

	case wire.TypePong:
		// Keepalive only.

	case wire.TypeBye:
		// Daemon is going away; the read loop will see EOF and the
		// supervisor takes it from there.

	case wire.TypeError:
		var p wire.ErrorPayload
		if err := env.DecodePayload(&p); err != nil {
			return
		}
		if fn := c.errorHandler(); fn != nil {
			fn(p)
		}
		if p.Fatal {
			c.fatalErr.Store(&FatalError{Code: p.Code, Message: p.Message})
			c.Destroy()
		}

	case wire.TypeAgentReady:
		var p wire.AgentReadyPayload
		if err := env.DecodePayload(&p); err != nil || p.Name == "" {
			return
		}
		key := strings.ToLower(p.Name)
		c.mu.Lock()
		waiters := c.readyWaits[key]
		delete(c.readyWaits, key)
		c.mu.Unlock()
		for _, ch := range waiters {
			close(ch)
		}

	default:
		// Query answers, SPAWN_RESULT and RELEASE_RESULT all correlate
		// through payload_meta.replyTo.
		if replyTo := env.ReplyTo(); replyTo != "" {
			c.mu.Lock()
			ch, ok := c.queryWaits[replyTo]
			if ok {
				delete(c.queryWaits, replyTo)
			}
			c.mu.Unlock()
			if ok {
				ch <- env
			}
		}
	}
}

// handleDeliver acks first, dedupes second, then routes: request waiters by
// correlation id, channel traffic to the channel handler, everything else to
// the message handler.
func (c *Client) handleDeliver(env *wire.Envelope) {
	ack := wire.AckPayload{ID: env.ID, CorrelationID: env.CorrelationID()}
	ackEnv, err := wire.NewWithPayload(wire.TypeAck, ack)
	if err == nil {
		ackEnv.From = c.name
		_ = c.send(ackEnv)
	}

	// At-least-once delivery retries; handle each envelope id once.
	if _, dup := c.seen.Get(env.ID); dup {
		return
	}
	c.seen.Add(env.ID, struct{}{})

	var body wire.SendPayload
	if err := env.DecodePayload(&body); err != nil {
		c.log.Debug("undecodable delivery", slog.String("envelope_id", env.ID))
		return
	}
	msg := Message{
		ID:     env.ID,
		From:   env.From,
		To:     env.To,
		Kind:   body.Kind,
		Body:   body.Body,
		Data:   body.Data,
		Thread: body.Thread,
	}
	if env.Delivery != nil {
		msg.Seq = env.Delivery.Seq
		msg.SessionID = env.Delivery.SessionID
		msg.OriginalTo = env.Delivery.OriginalTo
	}
	if env.PayloadMeta != nil {
		msg.Importance = env.PayloadMeta.Importance
	}
	if sync := env.CorrelationID(); sync != "" {
		msg.correlationID = sync
	} else if v, ok := body.Data["_correlationId"].(string); ok {
		msg.correlationID = v
	}

	// A response to one of our own requests resolves its waiter and goes no
	// further.
	if corr := responseCorrelation(env, body.Data); corr != "" {
		c.mu.Lock()
		ch, ok := c.reqWaits[corr]
		if ok {
			delete(c.reqWaits, corr)
		}
		c.mu.Unlock()
		if ok {
			ch <- msg
			return
		}
	}

	onMessage, onChannel := c.messageHandlers()
	if isChannelName(msg.OriginalTo) {
		if onChannel != nil {
			onChannel(msg.OriginalTo, msg)
		}
		return
	}
	if onMessage != nil {
		onMessage(msg)
	}
}

// responseCorrelation extracts the correlation id a Respond call attached.
func responseCorrelation(env *wire.Envelope, data map[string]any) string {
	if env.PayloadMeta != nil && env.PayloadMeta.ReplyTo != "" {
		return env.PayloadMeta.ReplyTo
	}
	if v, ok := data["_correlationId"].(string); ok {
		return v
	}
	return ""
}

func isChannelName(s string) bool {
	return strings.HasPrefix(s, "#") || strings.HasPrefix(strings.ToLower(s), "dm:")
}

// send frames env onto the current connection.
func (c *Client) send(env *wire.Envelope) error {
	if c.destroyed.Load() {
		return ErrDestroyed
	}
	c.mu.Lock()
	writer := c.writer
	c.mu.Unlock()
	if writer == nil {
		return ErrNotConnected
	}
	if err := writer.Enqueue(env); err != nil {
		return err
	}
	return writer.Flush()
}

// Disconnect says BYE and closes the socket without suppressing the session:
// the daemon keeps it resumable. The supervisor will not reconnect after
// Destroy, but Disconnect alone lets it.
func (c *Client) Disconnect(reason string) {
	env, err := wire.NewWithPayload(wire.TypeBye, wire.ByePayload{Reason: reason})
	if err == nil {
		env.From = c.name
		_ = c.send(env)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Err returns the fatal error that destroyed the client, if any.
func (c *Client) Err() error {
	if f := c.fatalErr.Load(); f != nil {
		return f
	}
	return nil
}

// Destroy tears the client down for good. Idempotent; no reconnect follows.
func (c *Client) Destroy() {
	if !c.destroyed.CompareAndSwap(false, true) {
		return
	}
	close(c.closed)
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.writer = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.setState(StateDestroyed)
	c.failPendingWaits()
}
