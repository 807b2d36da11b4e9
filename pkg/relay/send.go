package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v3"
	"github.com/relaymesh/agent-relay/pkg/wire"
)

// SendOption mutates one outbound message.
type SendOption func(*sendConfig)

type sendConfig struct {
	kind       wire.MessageKind
	data       map[string]any
	thread     string
	strict     bool
	importance int
}

// WithKind overrides the default "message" kind.
func WithKind(kind wire.MessageKind) SendOption {
	return func(s *sendConfig) { s.kind = kind }
}

// WithData attaches structured data to the payload.
func WithData(data map[string]any) SendOption {
	return func(s *sendConfig) { s.data = data }
}

// WithThread tags the message with a conversation thread.
func WithThread(thread string) SendOption {
	return func(s *sendConfig) { s.thread = thread }
}

// Strict makes unknown recipients an error instead of a silent inbox drop.
func Strict() SendOption {
	return func(s *sendConfig) { s.strict = true }
}

// WithImportance raises the delivery's urgency: 1 drains ahead of normal
// traffic at the recipient's terminal, 2 jumps the queue entirely.
func WithImportance(level int) SendOption {
	return func(s *sendConfig) { s.importance = level }
}

func (c *Client) buildSend(to, body string, opts ...SendOption) (*wire.Envelope, error) {
	cfg := sendConfig{kind: wire.KindMessage}
	for _, opt := range opts {
		opt(&cfg)
	}
	env, err := wire.NewWithPayload(wire.TypeSend, wire.SendPayload{
		Kind:   cfg.kind,
		Body:   body,
		Data:   cfg.data,
		Thread: cfg.thread,
	})
	if err != nil {
		return nil, err
	}
	env.From = c.name
	env.To = to
	if cfg.strict || cfg.importance != 0 {
		env.PayloadMeta = &wire.PayloadMeta{Strict: cfg.strict, Importance: cfg.importance}
	}
	return env, nil
}

// SendMessage delivers a fire-and-forget message to one agent.
func (c *Client) SendMessage(to, body string, opts ...SendOption) error {
	env, err := c.buildSend(to, body, opts...)
	if err != nil {
		return err
	}
	return c.send(env)
}

// Broadcast delivers to every connected agent except this one.
func (c *Client) Broadcast(body string, opts ...SendOption) error {
	return c.SendMessage("*", body, opts...)
}

// SendAndWait blocks until the recipient's client acks the delivery or ctx
// expires. The daemon forwards the correlated ACK back to us.
func (c *Client) SendAndWait(ctx context.Context, to, body string, opts ...SendOption) error {
	env, err := c.buildSend(to, body, opts...)
	if err != nil {
		return err
	}
	corrID := shortuuid.New()
	if env.PayloadMeta == nil {
		env.PayloadMeta = &wire.PayloadMeta{}
	}
	env.PayloadMeta.Sync = &wire.SyncMeta{CorrelationID: corrID, Blocking: true}

	ch := make(chan *wire.Envelope, 1)
	c.mu.Lock()
	c.ackWaits[corrID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.ackWaits, corrID)
		c.mu.Unlock()
	}()

	if err := c.send(env); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case _, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		return nil
	}
}

// Request sends a correlated message and blocks for the peer's Respond.
func (c *Client) Request(ctx context.Context, to, body string, opts ...SendOption) (Message, error) {
	env, err := c.buildSend(to, body, opts...)
	if err != nil {
		return Message{}, err
	}
	corrID := shortuuid.New()
	if env.PayloadMeta == nil {
		env.PayloadMeta = &wire.PayloadMeta{}
	}
	env.PayloadMeta.Sync = &wire.SyncMeta{CorrelationID: corrID, Blocking: true}

	ch := make(chan Message, 1)
	c.mu.Lock()
	c.reqWaits[corrID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.reqWaits, corrID)
		c.mu.Unlock()
	}()

	if err := c.send(env); err != nil {
		return Message{}, err
	}
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case msg, ok := <-ch:
		if !ok {
			return Message{}, ErrNotConnected
		}
		return msg, nil
	}
}

// Respond answers a message received through Request. It is a no-op error
// when the original carried no correlation id.
func (c *Client) Respond(orig Message, body string, opts ...SendOption) error {
	if orig.correlationID == "" {
		return errors.New("relay: message carries no correlation id")
	}
	env, err := c.buildSend(orig.From, body, opts...)
	if err != nil {
		return err
	}
	var payload wire.SendPayload
	if derr := env.DecodePayload(&payload); derr != nil {
		return derr
	}
	if payload.Data == nil {
		payload.Data = make(map[string]any)
	}
	payload.Data["_correlationId"] = orig.correlationID
	if serr := env.SetPayload(payload); serr != nil {
		return serr
	}
	if env.PayloadMeta == nil {
		env.PayloadMeta = &wire.PayloadMeta{}
	}
	env.PayloadMeta.ReplyTo = orig.correlationID
	return c.send(env)
}

// ---- Channels -------------------------------------------------------------

// JoinChannel adds this agent to a channel ("#name") or DM ("dm:a:b").
func (c *Client) JoinChannel(channel string) error {
	env, err := wire.NewWithPayload(wire.TypeChannelJoin, wire.ChannelPayload{Channel: channel})
	if err != nil {
		return err
	}
	env.From = c.name
	return c.send(env)
}

// LeaveChannel removes this agent from a channel.
func (c *Client) LeaveChannel(channel string) error {
	env, err := wire.NewWithPayload(wire.TypeChannelLeave, wire.ChannelPayload{Channel: channel})
	if err != nil {
		return err
	}
	env.From = c.name
	return c.send(env)
}

// SendChannelMessage fans body out to every member of the channel.
func (c *Client) SendChannelMessage(channel, body string, opts ...SendOption) error {
	env, err := c.buildSend(channel, body, opts...)
	if err != nil {
		return err
	}
	env.Type = wire.TypeChannelMessage
	return c.send(env)
}

// SendDM delivers into the two-party DM channel shared with peer.
func (c *Client) SendDM(peer, body string, opts ...SendOption) error {
	a, b := strings.ToLower(c.name), strings.ToLower(peer)
	if a > b {
		a, b = b, a
	}
	return c.SendChannelMessage("dm:"+a+":"+b, body, opts...)
}

// ---- Topics ---------------------------------------------------------------

// Subscribe registers interest in a topic.
func (c *Client) Subscribe(topic string) error {
	env := wire.New(wire.TypeSubscribe)
	env.From = c.name
	env.Topic = topic
	return c.send(env)
}

// Unsubscribe drops a topic subscription.
func (c *Client) Unsubscribe(topic string) error {
	env := wire.New(wire.TypeUnsubscribe)
	env.From = c.name
	env.Topic = topic
	return c.send(env)
}

// PublishTopic fans body out to every subscriber of topic.
func (c *Client) PublishTopic(topic, body string, opts ...SendOption) error {
	env, err := c.buildSend("", body, opts...)
	if err != nil {
		return err
	}
	env.Topic = topic
	return c.send(env)
}

// ---- Shadows --------------------------------------------------------------

// ShadowConfig scopes what a shadow binding observes.
type ShadowConfig struct {
	SpeakOn         []string
	ReceiveIncoming bool
	ReceiveOutgoing bool
}

// BindAsShadow makes this agent observe primary's traffic. Rebinding the same
// primary replaces the previous configuration.
func (c *Client) BindAsShadow(primary string, cfg ShadowConfig) error {
	env, err := wire.NewWithPayload(wire.TypeShadowBind, wire.ShadowBindPayload{
		Primary:         primary,
		SpeakOn:         cfg.SpeakOn,
		ReceiveIncoming: cfg.ReceiveIncoming,
		ReceiveOutgoing: cfg.ReceiveOutgoing,
	})
	if err != nil {
		return err
	}
	env.From = c.name
	return c.send(env)
}

// UnbindAsShadow removes this agent's binding on primary.
func (c *Client) UnbindAsShadow(primary string) error {
	env, err := wire.NewWithPayload(wire.TypeShadowUnbind, wire.ShadowUnbindPayload{Primary: primary})
	if err != nil {
		return err
	}
	env.From = c.name
	return c.send(env)
}

// ---- Presence -------------------------------------------------------------

// SetBusy marks this agent as mid-processing; the daemon relaxes its
// heartbeat budget accordingly.
func (c *Client) SetBusy() error {
	env := wire.New(wire.TypeBusy)
	env.From = c.name
	return c.send(env)
}

// SignalReady announces this agent finished processing and can take work.
func (c *Client) SignalReady() error {
	env := wire.New(wire.TypeAgentReady)
	env.From = c.name
	return c.send(env)
}

// SendLog streams one worker log line. Lines over the configured rate are
// dropped locally; log traffic must never crowd out messages.
func (c *Client) SendLog(level, line string) error {
	if c.opts.logLimit != nil && !c.opts.logLimit.Allow() {
		return nil
	}
	env, err := wire.NewWithPayload(wire.TypeLog, wire.LogPayload{Level: level, Line: line})
	if err != nil {
		return err
	}
	env.From = c.name
	return c.send(env)
}

// ---- Queries --------------------------------------------------------------

// query sends a request envelope and blocks for the reply correlated through
// payload_meta.replyTo.
func (c *Client) query(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
	env.From = c.name
	ch := make(chan *wire.Envelope, 1)
	c.mu.Lock()
	c.queryWaits[env.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.queryWaits, env.ID)
		c.mu.Unlock()
	}()

	if err := c.send(env); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return reply, nil
	}
}

// GetStatus returns this agent's daemon-side status.
func (c *Client) GetStatus(ctx context.Context) (*wire.StatusResult, error) {
	reply, err := c.query(ctx, wire.New(wire.TypeStatus))
	if err != nil {
		return nil, err
	}
	var result wire.StatusResult
	if err := reply.DecodePayload(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListAgents returns the registry roster.
func (c *Client) ListAgents(ctx context.Context) ([]wire.AgentInfo, error) {
	reply, err := c.query(ctx, wire.New(wire.TypeListAgents))
	if err != nil {
		return nil, err
	}
	var result wire.ListAgentsResult
	if err := reply.DecodePayload(&result); err != nil {
		return nil, err
	}
	return result.Agents, nil
}

// GetInbox returns this agent's pending stored messages.
func (c *Client) GetInbox(ctx context.Context, limit int) ([]wire.StoredMessage, error) {
	env := wire.New(wire.TypeInbox)
	if limit > 0 {
		if err := env.SetPayload(wire.MessagesFilter{Limit: limit}); err != nil {
			return nil, err
		}
	}
	reply, err := c.query(ctx, env)
	if err != nil {
		return nil, err
	}
	var result wire.MessagesResult
	if err := reply.DecodePayload(&result); err != nil {
		return nil, err
	}
	if result.Error != "" {
		return nil, errors.New(result.Error)
	}
	return result.Messages, nil
}

// QueryMessages runs an arbitrary message history query.
func (c *Client) QueryMessages(ctx context.Context, filter wire.MessagesFilter) ([]wire.StoredMessage, error) {
	env := wire.New(wire.TypeMessagesQuery)
	if err := env.SetPayload(filter); err != nil {
		return nil, err
	}
	reply, err := c.query(ctx, env)
	if err != nil {
		return nil, err
	}
	var result wire.MessagesResult
	if err := reply.DecodePayload(&result); err != nil {
		return nil, err
	}
	if result.Error != "" {
		return nil, errors.New(result.Error)
	}
	return result.Messages, nil
}

// GetHealth returns the daemon's process health snapshot.
func (c *Client) GetHealth(ctx context.Context) (*wire.HealthResult, error) {
	reply, err := c.query(ctx, wire.New(wire.TypeHealth))
	if err != nil {
		return nil, err
	}
	var result wire.HealthResult
	if err := reply.DecodePayload(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetMetrics returns the daemon's flat counter snapshot.
func (c *Client) GetMetrics(ctx context.Context) (map[string]float64, error) {
	reply, err := c.query(ctx, wire.New(wire.TypeMetrics))
	if err != nil {
		return nil, err
	}
	var result wire.MetricsResult
	if err := reply.DecodePayload(&result); err != nil {
		return nil, err
	}
	if result.Error != "" {
		return nil, errors.New(result.Error)
	}
	return result.Counters, nil
}

// RemoveAgent drops a registry record by name.
func (c *Client) RemoveAgent(ctx context.Context, name string) error {
	env := wire.New(wire.TypeRemoveAgent)
	if err := env.SetPayload(wire.RemoveAgentPayload{Name: name}); err != nil {
		return err
	}
	reply, err := c.query(ctx, env)
	if err != nil {
		return err
	}
	var result wire.RemoveAgentResult
	if err := reply.DecodePayload(&result); err != nil {
		return err
	}
	if result.Error != "" {
		return errors.New(result.Error)
	}
	if !result.Removed {
		return fmt.Errorf("relay: agent %q not found", name)
	}
	return nil
}

// ---- Spawn ----------------------------------------------------------------

// SpawnRequest describes a worker to start through the daemon's spawner.
type SpawnRequest struct {
	Name         string
	CLI          string
	Task         string
	WaitForReady bool
	ReadyTimeout time.Duration
}

// Spawn asks the daemon's spawner collaborator to start a worker and,
// optionally, blocks until that worker's AGENT_READY lands.
func (c *Client) Spawn(ctx context.Context, req SpawnRequest) error {
	// The ready waiter registers before SPAWN goes out so a fast worker
	// cannot slip its AGENT_READY past us. It deregisters on every exit so a
	// failed spawn does not leave a waiter to swallow a later AGENT_READY.
	var ready chan struct{}
	if req.WaitForReady {
		ready = make(chan struct{})
		key := strings.ToLower(req.Name)
		c.mu.Lock()
		c.readyWaits[key] = append(c.readyWaits[key], ready)
		c.mu.Unlock()
		defer c.dropReadyWait(key, ready)
	}

	env := wire.New(wire.TypeSpawn)
	if err := env.SetPayload(wire.SpawnPayload{
		Name:         req.Name,
		CLI:          req.CLI,
		Task:         req.Task,
		WaitForReady: req.WaitForReady,
	}); err != nil {
		return err
	}
	reply, err := c.query(ctx, env)
	if err != nil {
		return err
	}
	var result wire.SpawnResultPayload
	if err := reply.DecodePayload(&result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("relay: spawn %s: %s", req.Name, result.Error)
	}
	if !req.WaitForReady {
		return nil
	}

	waitCtx := ctx
	if req.ReadyTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, req.ReadyTimeout)
		defer cancel()
	}
	select {
	case <-waitCtx.Done():
		return fmt.Errorf("relay: spawned %s but no AGENT_READY: %w", req.Name, waitCtx.Err())
	case <-ready:
		return nil
	}
}

// Release asks the daemon's spawner to stop a worker.
func (c *Client) Release(ctx context.Context, name string) error {
	env := wire.New(wire.TypeRelease)
	if err := env.SetPayload(wire.ReleasePayload{Name: name}); err != nil {
		return err
	}
	reply, err := c.query(ctx, env)
	if err != nil {
		return err
	}
	var result wire.ReleaseResultPayload
	if err := reply.DecodePayload(&result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("relay: release %s: %s", name, result.Error)
	}
	return nil
}

// WaitForAgent blocks until the named agent announces readiness.
func (c *Client) WaitForAgent(ctx context.Context, name string) error {
	ready := make(chan struct{})
	key := strings.ToLower(name)
	c.mu.Lock()
	c.readyWaits[key] = append(c.readyWaits[key], ready)
	c.mu.Unlock()
	defer c.dropReadyWait(key, ready)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ready:
		return nil
	}
}

// dropReadyWait removes one waiter channel. A no-op when the AGENT_READY
// dispatch already consumed the whole key.
func (c *Client) dropReadyWait(key string, ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waits := c.readyWaits[key]
	for i, w := range waits {
		if w == ch {
			c.readyWaits[key] = append(waits[:i], waits[i+1:]...)
			break
		}
	}
	if len(c.readyWaits[key]) == 0 {
		delete(c.readyWaits, key)
	}
}
