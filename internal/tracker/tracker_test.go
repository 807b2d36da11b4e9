package tracker

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/relaymesh/agent-relay/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type sink struct {
	mu      sync.Mutex
	resent  []string
	failed  map[string]string
	accept  bool
	targets map[string]uuid.UUID
}

func newSink() *sink {
	return &sink{accept: true, failed: make(map[string]string), targets: make(map[string]uuid.UUID)}
}

func (s *sink) retransmit(connID uuid.UUID, env *wire.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accept {
		return false
	}
	s.resent = append(s.resent, env.ID)
	s.targets[env.ID] = connID
	return true
}

func (s *sink) onFailed(entry *Entry, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[entry.Env.ID] = reason
}

func deliver(seq uint64) *wire.Envelope {
	env := wire.New(wire.TypeDeliver)
	env.Delivery = &wire.DeliveryInfo{Seq: seq, SessionID: "sess-1"}
	return env
}

func TestAckClearsEntry(t *testing.T) {
	s := newSink()
	tr := New(discard(), WithRetransmit(s.retransmit), WithOnFailed(s.onFailed))

	connID := uuid.New()
	env := deliver(1)
	require.True(t, tr.Track(env, connID, "bob", "sess-1"))
	assert.Equal(t, 1, tr.Len())

	entry, ok := tr.Ack(env.ID, connID)
	require.True(t, ok)
	assert.Equal(t, "bob", entry.Agent)
	assert.Equal(t, 0, tr.Len())
	_, ok = tr.Ack(env.ID, connID)
	assert.False(t, ok, "double ack must miss")
}

func TestAckFromForeignConnectionIgnored(t *testing.T) {
	tr := New(discard())
	connID := uuid.New()
	env := deliver(1)
	require.True(t, tr.Track(env, connID, "bob", "sess-1"))

	_, ok := tr.Ack(env.ID, uuid.New())
	assert.False(t, ok)
	assert.Equal(t, 1, tr.Len(), "entry must survive an ack from another connection")
	_, ok = tr.Ack(env.ID, connID)
	assert.True(t, ok)
}

func TestTimeoutRetransmitsThenFails(t *testing.T) {
	s := newSink()
	tr := New(discard(),
		WithAckTimeout(10*time.Second),
		WithMaxAttempts(3),
		WithTTL(time.Hour),
		WithRetransmit(s.retransmit),
		WithOnFailed(s.onFailed),
	)

	connID := uuid.New()
	env := deliver(1)
	require.True(t, tr.Track(env, connID, "bob", "sess-1"))

	now := time.Now()
	tr.scan(now.Add(11 * time.Second)) // attempt 2
	tr.scan(now.Add(22 * time.Second)) // attempt 3
	tr.scan(now.Add(33 * time.Second)) // budget exhausted

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, []string{env.ID, env.ID}, s.resent)
	assert.Equal(t, ReasonMaxAttempts, s.failed[env.ID])
	assert.Equal(t, 0, tr.Len())
}

func TestTTLBeatsRemainingAttempts(t *testing.T) {
	s := newSink()
	tr := New(discard(),
		WithAckTimeout(10*time.Second),
		WithMaxAttempts(100),
		WithTTL(time.Minute),
		WithRetransmit(s.retransmit),
		WithOnFailed(s.onFailed),
	)

	connID := uuid.New()
	env := deliver(1)
	require.True(t, tr.Track(env, connID, "bob", "sess-1"))

	tr.scan(time.Now().Add(2 * time.Minute))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.resent)
	assert.Equal(t, ReasonTTLExpired, s.failed[env.ID])
}

func TestRetransmitPreservesEnqueueOrder(t *testing.T) {
	s := newSink()
	tr := New(discard(),
		WithAckTimeout(10*time.Second),
		WithMaxAttempts(5),
		WithRetransmit(s.retransmit),
	)

	connID := uuid.New()
	first := deliver(1)
	second := deliver(2)
	third := deliver(3)
	require.True(t, tr.Track(first, connID, "bob", "sess-1"))
	require.True(t, tr.Track(second, connID, "bob", "sess-1"))
	require.True(t, tr.Track(third, connID, "bob", "sess-1"))

	tr.scan(time.Now().Add(11 * time.Second))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, []string{first.ID, second.ID, third.ID}, s.resent)
}

func TestClearForConnectionParksAndReplaysInSeqOrder(t *testing.T) {
	tr := New(discard())
	connID := uuid.New()

	third := deliver(3)
	first := deliver(1)
	second := deliver(2)
	require.True(t, tr.Track(third, connID, "bob", "sess-1"))
	require.True(t, tr.Track(first, connID, "bob", "sess-1"))
	require.True(t, tr.Track(second, connID, "bob", "sess-1"))

	tr.ClearForConnection(connID)
	assert.Equal(t, 0, tr.Len())

	replay := tr.TakeAwaiting("sess-1")
	require.Len(t, replay, 3)
	assert.Equal(t, []string{first.ID, second.ID, third.ID},
		[]string{replay[0].ID, replay[1].ID, replay[2].ID})

	assert.Nil(t, tr.TakeAwaiting("sess-1"), "awaiting list drains on take")
}

func TestMaxInflightDefersToSession(t *testing.T) {
	tr := New(discard(), WithMaxInflight(2))
	connID := uuid.New()

	require.True(t, tr.Track(deliver(1), connID, "bob", "sess-1"))
	require.True(t, tr.Track(deliver(2), connID, "bob", "sess-1"))
	overflow := deliver(3)
	assert.False(t, tr.Track(overflow, connID, "bob", "sess-1"))

	assert.Equal(t, 2, tr.PendingCount(connID))
	replay := tr.TakeAwaiting("sess-1")
	require.Len(t, replay, 1)
	assert.Equal(t, overflow.ID, replay[0].ID)
}

func TestAckPromotesDeferredDelivery(t *testing.T) {
	s := newSink()
	tr := New(discard(), WithMaxInflight(1), WithRetransmit(s.retransmit))
	connID := uuid.New()

	first := deliver(1)
	second := deliver(2)
	require.True(t, tr.Track(first, connID, "bob", "sess-1"))
	assert.False(t, tr.Track(second, connID, "bob", "sess-1"), "over the window, deferred")

	_, ok := tr.Ack(first.ID, connID)
	require.True(t, ok)

	s.mu.Lock()
	resent := append([]string(nil), s.resent...)
	target := s.targets[second.ID]
	s.mu.Unlock()
	require.Equal(t, []string{second.ID}, resent, "freed slot must drain the deferred entry")
	assert.Equal(t, connID, target)
	assert.Equal(t, 1, tr.Len(), "promoted entry is tracked like any other delivery")
	assert.Nil(t, tr.TakeAwaiting("sess-1"))

	_, ok = tr.Ack(second.ID, connID)
	assert.True(t, ok, "promoted entry acks on the same connection")
}

func TestAckPromotesOldestSeqFirst(t *testing.T) {
	s := newSink()
	tr := New(discard(), WithMaxInflight(1), WithRetransmit(s.retransmit))
	connID := uuid.New()

	first := deliver(1)
	require.True(t, tr.Track(first, connID, "bob", "sess-1"))
	fourth := deliver(4)
	third := deliver(3)
	assert.False(t, tr.Track(fourth, connID, "bob", "sess-1"))
	assert.False(t, tr.Track(third, connID, "bob", "sess-1"))

	_, ok := tr.Ack(first.ID, connID)
	require.True(t, ok)

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Equal(t, []string{third.ID}, s.resent)
}

func TestDeferredEntriesExpireOnTTL(t *testing.T) {
	s := newSink()
	tr := New(discard(),
		WithMaxInflight(1),
		WithTTL(time.Minute),
		WithRetransmit(s.retransmit),
		WithOnFailed(s.onFailed),
	)
	connID := uuid.New()

	require.True(t, tr.Track(deliver(1), connID, "bob", "sess-1"))
	parked := deliver(2)
	assert.False(t, tr.Track(parked, connID, "bob", "sess-1"))

	tr.scan(time.Now().Add(2 * time.Minute))

	s.mu.Lock()
	reason := s.failed[parked.ID]
	s.mu.Unlock()
	assert.Equal(t, ReasonTTLExpired, reason, "a parked delivery must not outlive its TTL")
	assert.Nil(t, tr.TakeAwaiting("sess-1"))
}

func TestOrphanedRetransmitParks(t *testing.T) {
	s := newSink()
	s.accept = false
	tr := New(discard(),
		WithAckTimeout(10*time.Second),
		WithMaxAttempts(5),
		WithRetransmit(s.retransmit),
	)

	connID := uuid.New()
	env := deliver(7)
	require.True(t, tr.Track(env, connID, "bob", "sess-9"))

	tr.scan(time.Now().Add(11 * time.Second))

	assert.Equal(t, 0, tr.Len())
	replay := tr.TakeAwaiting("sess-9")
	require.Len(t, replay, 1)
	assert.Equal(t, env.ID, replay[0].ID)
}

func TestPendingForAgent(t *testing.T) {
	tr := New(discard())
	connID := uuid.New()
	require.True(t, tr.Track(deliver(1), connID, "bob", "sess-1"))
	require.True(t, tr.Track(deliver(2), connID, "bob", "sess-1"))
	require.True(t, tr.Track(deliver(1), uuid.New(), "carol", "sess-2"))

	assert.Equal(t, 2, tr.PendingForAgent("bob"))
	assert.Equal(t, 1, tr.PendingForAgent("carol"))
	assert.Equal(t, 0, tr.PendingForAgent("dave"))
}
