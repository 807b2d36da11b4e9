/*
Package router resolves addresses and fans envelopes out to live connections.

Key Architectural Concepts:
  - Serialized core: every public operation takes one mutex, so routing
    decisions observe a consistent registry/tracker view and never suspend.
  - Fire-and-forget edges: storage writes, membership lookups and bus
    publishes happen on goroutines after the in-memory delivery is issued.
  - Identity decoupling: the router holds Peer values for live connections
    but hands the tracker only connection IDs, which keeps dead sockets
    collectable.
*/
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaymesh/agent-relay/internal/adapter/bus"
	"github.com/relaymesh/agent-relay/internal/adapter/membership"
	"github.com/relaymesh/agent-relay/internal/domain/event"
	"github.com/relaymesh/agent-relay/internal/domain/model"
	"github.com/relaymesh/agent-relay/internal/domain/registry"
	"github.com/relaymesh/agent-relay/internal/metrics"
	"github.com/relaymesh/agent-relay/internal/storage"
	"github.com/relaymesh/agent-relay/internal/tracker"
	"github.com/relaymesh/agent-relay/pkg/wire"
)

// Peer is a live connection as the router sees it. Enqueue reports false when
// the connection's write queue is full or closed.
type Peer interface {
	ID() uuid.UUID
	AgentName() string
	SessionID() string
	Enqueue(env *wire.Envelope) bool
}

// CrossMachiner resolves agents living behind other daemons. External
// collaborator; the default knows nobody.
type CrossMachiner interface {
	KnownRemote(agent string) (daemonID string, ok bool)
	SendCrossMachine(ctx context.Context, daemonID, agent, from, body string, metadata map[string]any) error
}

// NoopCrossMachine is the single-daemon default.
type NoopCrossMachine struct{}

var _ CrossMachiner = (*NoopCrossMachine)(nil)

func (NoopCrossMachine) KnownRemote(string) (string, bool) { return "", false }
func (NoopCrossMachine) SendCrossMachine(context.Context, string, string, string, string, map[string]any) error {
	return nil
}

// ControlHandler consumes envelopes addressed to reserved control names
// (_consensus, _router). Registered by external collaborator modules.
type ControlHandler func(sender string, env *wire.Envelope)

type Router struct {
	mu      sync.Mutex
	peers   map[uuid.UUID]Peer
	byName  map[string]Peer // key: model.Key(agent)
	seq     map[string]uint64
	shadows map[string][]*model.ShadowBinding // key: primary
	topics  map[string]map[string]bool        // topic -> subscriber keys
	control map[string]ControlHandler

	registry    registry.Registrar
	tracker     tracker.Keeper
	store       storage.Store
	dispatcher  bus.EventDispatcher
	members     membership.Storer
	cross       CrossMachiner
	metrics     *metrics.Metrics
	log         *slog.Logger
	workspaceID string
}

func New(
	reg registry.Registrar,
	keeper tracker.Keeper,
	store storage.Store,
	dispatcher bus.EventDispatcher,
	members membership.Storer,
	m *metrics.Metrics,
	log *slog.Logger,
	opts ...Option,
) *Router {
	r := &Router{
		peers:      make(map[uuid.UUID]Peer),
		byName:     make(map[string]Peer),
		seq:        make(map[string]uint64),
		shadows:    make(map[string][]*model.ShadowBinding),
		control:    make(map[string]ControlHandler),
		registry:   reg,
		tracker:    keeper,
		store:      store,
		dispatcher: dispatcher,
		members:    members,
		cross:      NoopCrossMachine{},
		metrics:    m,
		log:        log,
	}
	for _, opt := range opts {
		opt(r)
	}

	// The tracker calls back into the router on retry and dead-letter; both
	// edges are late-bound to break the construction cycle.
	if t, ok := keeper.(*tracker.Tracker); ok {
		t.SetRetransmit(r.retransmit)
		t.SetOnFailed(r.onDeliveryFailed)
	}
	return r
}

// Option configures optional collaborators.
type Option func(*Router)

func WithCrossMachine(c CrossMachiner) Option {
	return func(r *Router) {
		if c != nil {
			r.cross = c
		}
	}
}

func WithWorkspaceID(id string) Option {
	return func(r *Router) { r.workspaceID = id }
}

// RegisterControlHandler binds a reserved name (e.g. "_consensus") to an
// external collaborator.
func (r *Router) RegisterControlHandler(name string, h ControlHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.control[model.Key(name)] = h
}

// Register makes a peer routable. Called after a successful handshake.
func (r *Router) Register(p Peer) {
	r.mu.Lock()
	r.peers[p.ID()] = p
	r.byName[model.Key(p.AgentName())] = p
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ConnectedAgents.Set(float64(r.registry.ConnectedCount()))
	}
}

// Unregister removes the peer and parks its unacked deliveries for resume.
// Shadow bindings held BY the departing agent are dropped; bindings observing
// it stay.
func (r *Router) Unregister(p Peer) {
	key := model.Key(p.AgentName())

	r.mu.Lock()
	delete(r.peers, p.ID())
	if current, ok := r.byName[key]; ok && current.ID() == p.ID() {
		delete(r.byName, key)
	}
	for primary, bindings := range r.shadows {
		kept := bindings[:0]
		for _, b := range bindings {
			if model.Key(b.Shadow) != key {
				kept = append(kept, b)
			}
		}
		if len(kept) == 0 {
			delete(r.shadows, primary)
		} else {
			r.shadows[primary] = kept
		}
	}
	for topic, subs := range r.topics {
		delete(subs, key)
		if len(subs) == 0 {
			delete(r.topics, topic)
		}
	}
	r.mu.Unlock()

	r.tracker.ClearForConnection(p.ID())
	if r.metrics != nil {
		r.metrics.ConnectedAgents.Set(float64(r.registry.ConnectedCount()))
	}
}

// sendError pushes a non-routed ERROR envelope back to the sender.
func sendError(p Peer, code wire.ErrorCode, msg string, fatal bool) {
	env, err := wire.NewWithPayload(wire.TypeError, wire.ErrorPayload{
		Code:    code,
		Message: msg,
		Fatal:   fatal,
	})
	if err != nil {
		return
	}
	p.Enqueue(env)
}

// Route resolves env.To and dispatches. The envelope must be a SEND.
func (r *Router) Route(sender Peer, env *wire.Envelope) {
	to := strings.TrimSpace(env.To)
	if to == "" {
		sendError(sender, wire.CodeValidationFailed, "send requires a recipient", false)
		return
	}
	from := sender.AgentName()

	// Self-routing is rejected unless the sender explicitly asked for echo.
	if strings.EqualFold(to, from) && !echoSelf(env) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.registry.Touch(from)

	if h, ok := r.control[model.Key(to)]; ok {
		// Control traffic bypasses delivery tracking entirely.
		go h(from, env)
		return
	}

	switch {
	case to == "*":
		r.broadcastLocked(sender, env)
		r.count("broadcast")

	case model.IsChannel(to):
		r.channelFanoutLocked(sender, model.CanonicalChannel(to), env)
		r.count("channel")

	default:
		if peer, ok := r.byName[model.Key(to)]; ok {
			r.deliverLocked(peer, from, env, to)
			r.count("unicast")
			return
		}
		if daemonID, ok := r.cross.KnownRemote(to); ok {
			r.sendRemote(daemonID, to, from, env)
			r.count("remote")
			return
		}
		// Store-and-forward into the inbox; complain only to strict senders.
		r.persistAsync(r.storedFromSend(env, from, to, storage.StatusPending))
		r.count("stored")
		if env.PayloadMeta != nil && env.PayloadMeta.Strict {
			sendError(sender, wire.CodeUnknownRecipient, "no agent named "+to, false)
		}
	}
}

func (r *Router) count(resolution string) {
	if r.metrics != nil {
		r.metrics.MessagesRouted.WithLabelValues(resolution).Inc()
	}
}

// echoSelf checks payload data for the explicit _echoSelf opt-in.
func echoSelf(env *wire.Envelope) bool {
	var p wire.SendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return false
	}
	v, ok := p.Data["_echoSelf"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// broadcastLocked fans out to every connected peer except the sender.
func (r *Router) broadcastLocked(sender Peer, env *wire.Envelope) {
	senderKey := model.Key(sender.AgentName())
	for key, peer := range r.byName {
		if key == senderKey {
			continue
		}
		r.deliverLocked(peer, sender.AgentName(), env, "*")
	}
}

// channelFanoutLocked delivers to every live member except the sender, then
// asynchronously folds in persisted members reachable via other daemons.
func (r *Router) channelFanoutLocked(sender Peer, channel string, env *wire.Envelope) {
	from := sender.AgentName()
	senderKey := model.Key(from)

	local := make(map[string]bool)
	for _, name := range r.registry.ChannelMembers(channel) {
		key := model.Key(name)
		local[key] = true
		if key == senderKey {
			continue
		}
		if peer, ok := r.byName[key]; ok {
			r.deliverLocked(peer, from, env, channel)
		}
	}

	// Persisted members on other daemons. Advisory: never blocks routing.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		persisted, err := r.members.List(ctx, r.workspaceID, channel)
		if err != nil {
			return
		}
		var body wire.SendPayload
		_ = json.Unmarshal(env.Payload, &body)
		for _, member := range persisted {
			key := model.Key(member)
			if key == senderKey || local[key] {
				continue
			}
			daemonID, ok := r.cross.KnownRemote(member)
			if !ok {
				continue
			}
			meta := map[string]any{"channel": channel}
			if err := r.cross.SendCrossMachine(ctx, daemonID, member, from, body.Body, meta); err != nil {
				r.log.Debug("cross-machine channel send failed",
					slog.String("channel", channel),
					slog.String("member", member),
					slog.Any("error", err),
				)
			}
		}
	}()
}

// deliverLocked allocates a sequence, issues the DELIVER, duplicates to
// shadows and persists the record. Caller holds r.mu.
func (r *Router) deliverLocked(recipient Peer, from string, env *wire.Envelope, originalTo string) {
	deliver := r.buildDeliver(recipient, from, env, originalTo)
	r.issueLocked(recipient, deliver)

	// Shadows observing the recipient's inbound traffic.
	class := classify(env)
	for _, binding := range r.shadows[model.Key(recipient.AgentName())] {
		if !binding.ReceiveIncoming || !binding.Permits(class) {
			continue
		}
		r.copyToShadowLocked(binding.Shadow, from, env, recipient.AgentName())
	}
	// Shadows observing the sender's outbound traffic.
	for _, binding := range r.shadows[model.Key(from)] {
		if !binding.ReceiveOutgoing || !binding.Permits(class) {
			continue
		}
		r.copyToShadowLocked(binding.Shadow, from, env, recipient.AgentName())
	}

	r.persistAsync(r.storedFromSend(deliver, from, recipient.AgentName(), storage.StatusPending))
	r.registry.SetProcessing(recipient.AgentName(), true)
}

// copyToShadowLocked duplicates a delivery into the shadow's own stream with
// originalTo preserved.
func (r *Router) copyToShadowLocked(shadow, from string, env *wire.Envelope, originalTo string) {
	peer, ok := r.byName[model.Key(shadow)]
	if !ok {
		return
	}
	deliver := r.buildDeliver(peer, from, env, originalTo)
	r.issueLocked(peer, deliver)
	if r.metrics != nil {
		r.metrics.ShadowCopies.Inc()
	}
}

// buildDeliver constructs the recipient-specific DELIVER with its own id and
// a sequence from the recipient's stream.
func (r *Router) buildDeliver(recipient Peer, from string, env *wire.Envelope, originalTo string) *wire.Envelope {
	deliver := wire.New(wire.TypeDeliver)
	deliver.From = from
	deliver.To = recipient.AgentName()
	deliver.Payload = env.Payload
	deliver.PayloadMeta = env.PayloadMeta
	deliver.Delivery = &wire.DeliveryInfo{
		Seq:       r.nextSeqLocked(recipient),
		SessionID: recipient.SessionID(),
	}
	if originalTo != "" && !strings.EqualFold(originalTo, recipient.AgentName()) {
		deliver.Delivery.OriginalTo = originalTo
	}
	// High-water mark feeds WELCOME seed_sequences on resume. Off the hot
	// path like every other store call.
	go func(agent, sessionID, peer string, seq uint64) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.store.RecordSeq(ctx, agent, sessionID, peer, seq)
	}(recipient.AgentName(), recipient.SessionID(), from, deliver.Delivery.Seq)
	return deliver
}

// issueLocked writes the DELIVER and registers it with the tracker. When the
// tracker defers for backpressure the frame is not written; it will surface
// through the session's awaiting list.
func (r *Router) issueLocked(recipient Peer, deliver *wire.Envelope) {
	if !r.tracker.Track(deliver, recipient.ID(), model.Key(recipient.AgentName()), recipient.SessionID()) {
		return
	}
	if r.metrics != nil {
		r.metrics.DeliveriesTracked.Inc()
	}
	recipient.Enqueue(deliver)
}

func (r *Router) nextSeqLocked(recipient Peer) uint64 {
	key := model.Key(recipient.AgentName()) + "/" + recipient.SessionID()
	r.seq[key]++
	return r.seq[key]
}

// HandleAck clears the tracker entry, marks the record delivered and, for
// correlated deliveries, forwards the ACK to the original sender so blocking
// sends can resolve.
func (r *Router) HandleAck(sender Peer, env *wire.Envelope) {
	var ack wire.AckPayload
	if err := env.DecodePayload(&ack); err != nil || ack.ID == "" {
		return
	}
	entry, ok := r.tracker.Ack(ack.ID, sender.ID())
	if !ok {
		return
	}
	if r.metrics != nil {
		r.metrics.DeliveriesAcked.Inc()
	}

	if ack.CorrelationID != "" && entry.Env.From != "" {
		r.mu.Lock()
		origin, live := r.byName[model.Key(entry.Env.From)]
		r.mu.Unlock()
		if live {
			forward, err := wire.NewWithPayload(wire.TypeAck, ack)
			if err == nil {
				forward.From = sender.AgentName()
				forward.To = entry.Env.From
				origin.Enqueue(forward)
			}
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.store.UpdateMessageStatus(ctx, ack.ID, storage.StatusDelivered)
	}()
}

// ReplayPending re-issues every parked delivery for the session, in original
// seq order, on the peer's new connection. Must run before any fresh DELIVER.
func (r *Router) ReplayPending(p Peer) int {
	pending := r.tracker.TakeAwaiting(p.SessionID())

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, env := range pending {
		r.issueLocked(p, env)
	}
	return len(pending)
}

// BroadcastSystemMessage pushes an untracked system notice to every peer.
func (r *Router) BroadcastSystemMessage(env *wire.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, peer := range r.byName {
		peer.Enqueue(env)
	}
}

// MarkIdle clears the processing flag once a worker reports it injected and
// settled.
func (r *Router) MarkIdle(agent string) {
	r.registry.SetProcessing(agent, false)
}

// retransmit is the tracker's send path. Runs off the scan loop.
func (r *Router) retransmit(connID uuid.UUID, env *wire.Envelope) bool {
	r.mu.Lock()
	peer, ok := r.peers[connID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if r.metrics != nil {
		r.metrics.Retransmits.Inc()
	}
	return peer.Enqueue(env)
}

// onDeliveryFailed is the tracker's dead-letter hook.
func (r *Router) onDeliveryFailed(entry *tracker.Entry, reason string) {
	if r.metrics != nil {
		r.metrics.DeliveriesFailed.Inc()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = r.store.UpdateMessageStatus(ctx, entry.Env.ID, storage.StatusFailed)
	_ = r.dispatcher.Publish(ctx, event.NewDeliveryFailed(
		entry.Env.ID, entry.Env.From, entry.Env.To, entry.Attempts, reason,
	))
}

// sendRemote hands a unicast to the cross-machine collaborator. Fire and
// forget: remote delivery guarantees belong to the remote daemon.
func (r *Router) sendRemote(daemonID, to, from string, env *wire.Envelope) {
	var body wire.SendPayload
	_ = json.Unmarshal(env.Payload, &body)
	meta := map[string]any{}
	if env.PayloadMeta != nil {
		if env.PayloadMeta.Sync != nil {
			meta["correlationId"] = env.PayloadMeta.Sync.CorrelationID
		}
		if env.PayloadMeta.ReplyTo != "" {
			meta["replyTo"] = env.PayloadMeta.ReplyTo
		}
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.cross.SendCrossMachine(ctx, daemonID, to, from, body.Body, meta); err != nil {
			r.log.Warn("cross-machine send failed",
				slog.String("to", to),
				slog.String("daemon", daemonID),
				slog.Any("error", err),
			)
		}
	}()
}

// storedFromSend projects an envelope into the append-only message record.
func (r *Router) storedFromSend(env *wire.Envelope, from, to, status string) wire.StoredMessage {
	var p wire.SendPayload
	_ = json.Unmarshal(env.Payload, &p)
	kind := p.Kind
	if kind == "" {
		kind = wire.KindMessage
	}
	return wire.StoredMessage{
		ID:     env.ID,
		From:   from,
		To:     to,
		Kind:   kind,
		Body:   p.Body,
		Thread: p.Thread,
		TS:     env.TS,
		Status: status,
	}
}

// persistAsync saves off the hot path; failures are logged and swallowed.
func (r *Router) persistAsync(msg wire.StoredMessage) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.SaveMessage(ctx, msg); err != nil {
			r.log.Debug("message persist failed", slog.String("id", msg.ID), slog.Any("error", err))
			return
		}
		_ = r.dispatcher.Publish(ctx, event.NewMessageSaved(msg))
	}()
}
