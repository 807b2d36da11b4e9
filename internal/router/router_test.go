package router

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/relaymesh/agent-relay/internal/adapter/bus"
	"github.com/relaymesh/agent-relay/internal/adapter/membership"
	"github.com/relaymesh/agent-relay/internal/domain/registry"
	"github.com/relaymesh/agent-relay/internal/metrics"
	"github.com/relaymesh/agent-relay/internal/storage"
	"github.com/relaymesh/agent-relay/internal/tracker"
	"github.com/relaymesh/agent-relay/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	id      uuid.UUID
	name    string
	session string

	mu    sync.Mutex
	inbox []*wire.Envelope
}

func newFakePeer(name string) *fakePeer {
	return &fakePeer{id: uuid.New(), name: name, session: "sess-" + name}
}

func (p *fakePeer) ID() uuid.UUID     { return p.id }
func (p *fakePeer) AgentName() string { return p.name }
func (p *fakePeer) SessionID() string { return p.session }

func (p *fakePeer) Enqueue(env *wire.Envelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inbox = append(p.inbox, env)
	return true
}

func (p *fakePeer) received() []*wire.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*wire.Envelope, len(p.inbox))
	copy(out, p.inbox)
	return out
}

func (p *fakePeer) delivers() []*wire.Envelope {
	var out []*wire.Envelope
	for _, env := range p.received() {
		if env.Type == wire.TypeDeliver {
			out = append(out, env)
		}
	}
	return out
}

type fixture struct {
	router   *Router
	registry *registry.Registry
	tracker  *tracker.Tracker
	store    *storage.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	reg := registry.New()
	keeper := tracker.New(log)
	store := storage.NewMemory(100)
	dispatcher := bus.NewEventDispatcher(log)
	t.Cleanup(func() { _ = dispatcher.Close() })

	r := New(reg, keeper, store, dispatcher, membership.NewInMemory(), metrics.New(), log)
	return &fixture{router: r, registry: reg, tracker: keeper, store: store}
}

func (f *fixture) connect(t *testing.T, name string) *fakePeer {
	t.Helper()
	p := newFakePeer(name)
	_, err := f.registry.Register(&wire.HelloPayload{Agent: name}, p.id)
	require.NoError(t, err)
	f.router.Register(p)
	return p
}

func send(from *fakePeer, to, body string) *wire.Envelope {
	env, _ := wire.NewWithPayload(wire.TypeSend, wire.SendPayload{Kind: wire.KindMessage, Body: body})
	env.From = from.name
	env.To = to
	return env
}

func TestUnicastDelivery(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "Alice")
	bob := f.connect(t, "Bob")

	f.router.Route(alice, send(alice, "Bob", "hi"))

	delivers := bob.delivers()
	require.Len(t, delivers, 1)
	env := delivers[0]
	assert.Equal(t, "Alice", env.From)
	assert.Equal(t, "Bob", env.To)
	require.NotNil(t, env.Delivery)
	assert.Equal(t, uint64(1), env.Delivery.Seq)
	assert.Equal(t, bob.session, env.Delivery.SessionID)
	assert.Empty(t, env.Delivery.OriginalTo, "direct unicast carries no originalTo")

	var p wire.SendPayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, "hi", p.Body)
	assert.Equal(t, 1, f.tracker.Len())
}

func TestSeqMonotonicPerRecipient(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "Alice")
	bob := f.connect(t, "Bob")

	for i := 0; i < 3; i++ {
		f.router.Route(alice, send(alice, "Bob", "msg"))
	}

	delivers := bob.delivers()
	require.Len(t, delivers, 3)
	for i, env := range delivers {
		assert.Equal(t, uint64(i+1), env.Delivery.Seq)
	}
}

func TestDeliveryRecordsStreamHighWater(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "Alice")
	bob := f.connect(t, "Bob")

	f.router.Route(alice, send(alice, "Bob", "one"))
	f.router.Route(alice, send(alice, "Bob", "two"))

	// RecordSeq runs off the hot path; the mark lands shortly after routing.
	require.Eventually(t, func() bool {
		streams, err := f.store.GetMaxSeqByStream(context.Background(), "Bob", bob.session)
		if err != nil || len(streams) != 1 {
			return false
		}
		return streams[0].MaxSeq == 2
	}, 2*time.Second, 10*time.Millisecond, "seed_sequences must see the per-peer high-water mark")
}

func TestBroadcastExcludesSender(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "Alice")
	bob := f.connect(t, "Bob")
	carol := f.connect(t, "Carol")

	f.router.Route(alice, send(alice, "*", "hello"))

	assert.Empty(t, alice.delivers())
	require.Len(t, bob.delivers(), 1)
	require.Len(t, carol.delivers(), 1)
	assert.Equal(t, "*", bob.delivers()[0].Delivery.OriginalTo)
	assert.Equal(t, "*", carol.delivers()[0].Delivery.OriginalTo)
}

func TestSelfRouteBlockedWithoutEchoOptIn(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "Alice")

	f.router.Route(alice, send(alice, "alice", "to myself"))
	assert.Empty(t, alice.delivers())

	env, _ := wire.NewWithPayload(wire.TypeSend, wire.SendPayload{
		Kind: wire.KindMessage,
		Body: "echo",
		Data: map[string]any{"_echoSelf": true},
	})
	env.From = alice.name
	env.To = "Alice"
	f.router.Route(alice, env)
	assert.Len(t, alice.delivers(), 1)
}

func TestUnknownRecipientStoresAndHonorsStrict(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "Alice")

	f.router.Route(alice, send(alice, "Ghost", "anyone there?"))
	assert.Empty(t, alice.received(), "non-strict senders get no error")

	require.Eventually(t, func() bool {
		msgs, err := f.store.GetMessages(context.Background(), wire.MessagesFilter{Agent: "Ghost"})
		return err == nil && len(msgs) == 1 && msgs[0].Status == storage.StatusPending
	}, time.Second, 10*time.Millisecond, "message lands in the inbox")

	strict := send(alice, "Ghost", "hello?")
	strict.PayloadMeta = &wire.PayloadMeta{Strict: true}
	f.router.Route(alice, strict)

	received := alice.received()
	require.Len(t, received, 1)
	assert.Equal(t, wire.TypeError, received[0].Type)
	var errPayload wire.ErrorPayload
	require.NoError(t, received[0].DecodePayload(&errPayload))
	assert.Equal(t, wire.CodeUnknownRecipient, errPayload.Code)
	assert.False(t, errPayload.Fatal)
}

func TestChannelFanout(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "Alice")
	bob := f.connect(t, "Bob")
	carol := f.connect(t, "Carol")

	f.router.HandleChannelJoin(alice, "#room")
	f.router.HandleChannelJoin(bob, "#room")
	f.router.HandleChannelJoin(carol, "#room")

	msg := send(alice, "#room", "yo")
	msg.Type = wire.TypeChannelMessage
	f.router.HandleChannelMessage(alice, msg)

	assert.Empty(t, alice.delivers(), "sender never receives its own channel message")
	require.Len(t, bob.delivers(), 1)
	require.Len(t, carol.delivers(), 1)
	assert.Equal(t, "#room", bob.delivers()[0].Delivery.OriginalTo)
}

func TestShadowObservation(t *testing.T) {
	f := newFixture(t)
	x := f.connect(t, "X")
	primary := f.connect(t, "P")
	shadow := f.connect(t, "S")

	f.router.BindShadow(shadow, wire.ShadowBindPayload{
		Primary:         "P",
		SpeakOn:         []string{"ALL_MESSAGES"},
		ReceiveIncoming: true,
	})

	f.router.Route(x, send(x, "P", "observed"))

	require.Len(t, primary.delivers(), 1)
	shadowDelivers := shadow.delivers()
	require.Len(t, shadowDelivers, 1)
	assert.Equal(t, "P", shadowDelivers[0].Delivery.OriginalTo)
	assert.Equal(t, "X", shadowDelivers[0].From)
	assert.Equal(t, uint64(1), shadowDelivers[0].Delivery.Seq, "shadow stream has its own sequence")

	f.router.UnbindShadow(shadow, "P")
	f.router.Route(x, send(x, "P", "unobserved"))

	assert.Len(t, primary.delivers(), 2)
	assert.Len(t, shadow.delivers(), 1, "no copies after unbind")
}

func TestShadowSpeakOnFilter(t *testing.T) {
	f := newFixture(t)
	x := f.connect(t, "X")
	f.connect(t, "P")
	shadow := f.connect(t, "S")

	f.router.BindShadow(shadow, wire.ShadowBindPayload{
		Primary:         "P",
		SpeakOn:         []string{"SESSION_END"},
		ReceiveIncoming: true,
	})

	f.router.Route(x, send(x, "P", "chit chat"))
	assert.Empty(t, shadow.delivers(), "generic traffic needs ALL_MESSAGES")

	f.router.Route(x, send(x, "P", "[[SESSION_END]]{}[[/SESSION_END]]"))
	assert.Len(t, shadow.delivers(), 1)
}

func TestHandleAckClearsTracker(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "Alice")
	bob := f.connect(t, "Bob")

	f.router.Route(alice, send(alice, "Bob", "hi"))
	deliver := bob.delivers()[0]
	require.Equal(t, 1, f.tracker.Len())

	ack, _ := wire.NewWithPayload(wire.TypeAck, wire.AckPayload{ID: deliver.ID})
	f.router.HandleAck(bob, ack)
	assert.Equal(t, 0, f.tracker.Len())
}

func TestReplayPendingInSeqOrder(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "Alice")
	bob := f.connect(t, "Bob")

	for _, body := range []string{"one", "two", "three"} {
		f.router.Route(alice, send(alice, "Bob", body))
	}
	original := bob.delivers()
	require.Len(t, original, 3)

	// Bob dies without acking; his deliveries park on the session.
	f.router.Unregister(bob)
	f.registry.Disconnect("Bob", bob.id)
	require.Equal(t, 0, f.tracker.Len())

	// Bob resumes with the same session on a fresh connection.
	resumed := newFakePeer("Bob")
	resumed.session = bob.session
	_, err := f.registry.Register(&wire.HelloPayload{Agent: "Bob"}, resumed.id)
	require.NoError(t, err)
	f.router.Register(resumed)

	n := f.router.ReplayPending(resumed)
	assert.Equal(t, 3, n)

	replayed := resumed.delivers()
	require.Len(t, replayed, 3)
	for i, env := range replayed {
		assert.Equal(t, original[i].ID, env.ID, "replay keeps the original envelope ids")
		assert.Equal(t, original[i].Delivery.Seq, env.Delivery.Seq)
	}
}

func TestControlHandlerBypassesDelivery(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "Alice")

	got := make(chan string, 1)
	f.router.RegisterControlHandler("_consensus", func(sender string, env *wire.Envelope) {
		got <- sender
	})

	f.router.Route(alice, send(alice, "_consensus", "vote"))

	select {
	case sender := <-got:
		assert.Equal(t, "Alice", sender)
	case <-time.After(time.Second):
		t.Fatal("control handler never invoked")
	}
	assert.Equal(t, 0, f.tracker.Len(), "control traffic is untracked")
}
