// Package tracker implements the at-least-once delivery state machine: every
// DELIVER handed to a connection is tracked until its ACK arrives, retried on
// timeout, and dropped to dead-letter once the attempt or TTL budget runs out.
package tracker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaymesh/agent-relay/pkg/wire"
)

// Failure reasons reported through the OnFailed hook.
const (
	ReasonMaxAttempts = "max_attempts"
	ReasonTTLExpired  = "ttl_expired"
)

// Keeper defines the delivery bookkeeping contract used by the router.
type Keeper interface {
	Track(env *wire.Envelope, connID uuid.UUID, agent, sessionID string) bool
	Ack(envelopeID string, connID uuid.UUID) (*Entry, bool)
	ClearForConnection(connID uuid.UUID)
	TakeAwaiting(sessionID string) []*wire.Envelope
	PendingCount(connID uuid.UUID) int
	PendingForAgent(agent string) int
	Len() int
	Shutdown()
}

// Entry is one in-flight delivery. The tracker holds the target connection ID
// only, never the connection value, so a dead socket cannot be kept alive by
// its own unacked traffic.
type Entry struct {
	Env          *wire.Envelope
	ConnID       uuid.UUID
	Agent        string
	SessionID    string
	Attempts     int
	FirstAttempt time.Time
	NextDeadline time.Time

	order uint64
}

// RetransmitFunc pushes an envelope back onto a live connection. It reports
// false when the connection is gone or its queue is full.
type RetransmitFunc func(connID uuid.UUID, env *wire.Envelope) bool

// FailedFunc receives entries that exhausted their retry budget.
type FailedFunc func(entry *Entry, reason string)

// Tracker implements Keeper with a [SINGLE_LOCK] design: the entry count is
// bounded by max_inflight per connection, so scans stay cheap.
type Tracker struct {
	mu       sync.Mutex
	entries  map[string]*Entry             // by envelope id
	byConn   map[uuid.UUID]map[string]bool // conn id -> envelope ids
	awaiting map[string][]*Entry           // session id -> deferred + orphaned entries

	ackTimeout   time.Duration
	maxAttempts  int
	ttl          time.Duration
	maxInflight  int
	scanInterval time.Duration

	retransmit RetransmitFunc
	onFailed   FailedFunc
	log        *slog.Logger

	order uint64
	done  chan struct{}
	once  sync.Once
}

var _ Keeper = (*Tracker)(nil)

func New(log *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		entries:      make(map[string]*Entry),
		byConn:       make(map[uuid.UUID]map[string]bool),
		awaiting:     make(map[string][]*Entry),
		ackTimeout:   10 * time.Second,
		maxAttempts:  3,
		ttl:          60 * time.Second,
		maxInflight:  256,
		scanInterval: time.Second,
		retransmit:   func(uuid.UUID, *wire.Envelope) bool { return false },
		onFailed:     func(*Entry, string) {},
		log:          log,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetRetransmit wires the router's send path after construction. The router
// depends on the tracker, so the reverse edge is a late-bound callback.
func (t *Tracker) SetRetransmit(fn RetransmitFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retransmit = fn
}

func (t *Tracker) SetOnFailed(fn FailedFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFailed = fn
}

// Track registers env as in-flight toward connID. When the connection already
// carries max_inflight unacked deliveries the entry is parked on the session's
// awaiting list instead and Track reports false; the caller must not write the
// frame in that case.
func (t *Tracker) Track(env *wire.Envelope, connID uuid.UUID, agent, sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.order++
	entry := &Entry{
		Env:          env,
		ConnID:       connID,
		Agent:        agent,
		SessionID:    sessionID,
		Attempts:     1,
		FirstAttempt: now,
		NextDeadline: now.Add(t.ackTimeout),
		order:        t.order,
	}

	if len(t.byConn[connID]) >= t.maxInflight {
		// [BACKPRESSURE] Defer instead of flooding a slow consumer.
		t.awaiting[sessionID] = append(t.awaiting[sessionID], entry)
		return false
	}

	t.entries[env.ID] = entry
	ids := t.byConn[connID]
	if ids == nil {
		ids = make(map[string]bool)
		t.byConn[connID] = ids
	}
	ids[env.ID] = true
	return true
}

// Ack clears the entry iff it was last sent on the same connection and
// returns it so the caller can notify the original sender. ACKs from a
// connection that took over the name later are ignored; resume replay is the
// only legal hand-over path. The freed in-flight slot is immediately handed
// to the session's oldest deferred delivery, if any.
func (t *Tracker) Ack(envelopeID string, connID uuid.UUID) (*Entry, bool) {
	t.mu.Lock()
	entry, ok := t.entries[envelopeID]
	if !ok || entry.ConnID != connID {
		t.mu.Unlock()
		return nil, false
	}
	t.remove(entry)
	promoted := t.promoteLocked(entry.SessionID, connID)
	retransmit := t.retransmit
	t.mu.Unlock()

	for _, p := range promoted {
		if !retransmit(p.ConnID, p.Env) {
			t.parkOrphan(p)
		}
	}
	return entry, true
}

// promoteLocked moves deferred entries of the session onto the connection's
// free in-flight capacity, oldest seq first. The caller writes the returned
// entries outside the lock.
func (t *Tracker) promoteLocked(sessionID string, connID uuid.UUID) []*Entry {
	parked := t.awaiting[sessionID]
	if len(parked) == 0 {
		return nil
	}
	sortBySeq(parked)

	now := time.Now()
	var promoted []*Entry
	for len(parked) > 0 && len(t.byConn[connID]) < t.maxInflight {
		e := parked[0]
		parked = parked[1:]
		e.ConnID = connID
		e.NextDeadline = now.Add(t.ackTimeout)
		t.entries[e.Env.ID] = e
		ids := t.byConn[connID]
		if ids == nil {
			ids = make(map[string]bool)
			t.byConn[connID] = ids
		}
		ids[e.Env.ID] = true
		promoted = append(promoted, e)
	}
	if len(parked) == 0 {
		delete(t.awaiting, sessionID)
	} else {
		t.awaiting[sessionID] = parked
	}
	return promoted
}

// remove assumes t.mu is held.
func (t *Tracker) remove(entry *Entry) {
	delete(t.entries, entry.Env.ID)
	if ids := t.byConn[entry.ConnID]; ids != nil {
		delete(ids, entry.Env.ID)
		if len(ids) == 0 {
			delete(t.byConn, entry.ConnID)
		}
	}
}

// ClearForConnection parks every in-flight entry of a dead connection on its
// session's awaiting list. Resume drains the list via TakeAwaiting.
func (t *Tracker) ClearForConnection(connID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id := range t.byConn[connID] {
		entry := t.entries[id]
		if entry == nil {
			continue
		}
		delete(t.entries, id)
		t.awaiting[entry.SessionID] = append(t.awaiting[entry.SessionID], entry)
	}
	delete(t.byConn, connID)
}

// TakeAwaiting removes and returns the session's parked envelopes in their
// original seq order.
func (t *Tracker) TakeAwaiting(sessionID string) []*wire.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	parked := t.awaiting[sessionID]
	if len(parked) == 0 {
		return nil
	}
	delete(t.awaiting, sessionID)
	sortBySeq(parked)

	out := make([]*wire.Envelope, len(parked))
	for i, entry := range parked {
		out[i] = entry.Env
	}
	return out
}

func (t *Tracker) PendingCount(connID uuid.UUID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byConn[connID])
}

func (t *Tracker) PendingForAgent(agent string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, entry := range t.entries {
		if entry.Agent == agent {
			n++
		}
	}
	return n
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Run drives the retry scan until ctx is cancelled or Shutdown is called.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case now := <-ticker.C:
			t.scan(now)
		}
	}
}

func (t *Tracker) Shutdown() {
	t.once.Do(func() { close(t.done) })
}

// scan retransmits expired entries and drops the ones out of budget. Entries
// are visited in first-enqueue order so a burst of retries toward one
// recipient keeps the original send order.
func (t *Tracker) scan(now time.Time) {
	t.mu.Lock()

	var due []*Entry
	for _, entry := range t.entries {
		if !now.Before(entry.NextDeadline) {
			due = append(due, entry)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].order < due[j].order })

	type failed struct {
		entry  *Entry
		reason string
	}
	var drops []failed
	var resend []*Entry

	for _, entry := range due {
		switch {
		case now.Sub(entry.FirstAttempt) >= t.ttl:
			t.remove(entry)
			drops = append(drops, failed{entry, ReasonTTLExpired})
		case entry.Attempts >= t.maxAttempts:
			t.remove(entry)
			drops = append(drops, failed{entry, ReasonMaxAttempts})
		default:
			entry.Attempts++
			entry.NextDeadline = now.Add(t.ackTimeout)
			resend = append(resend, entry)
		}
	}

	// Parked entries age out on the same TTL clock; a session that never
	// resumes must not hoard deliveries forever.
	for sessionID, parked := range t.awaiting {
		kept := parked[:0]
		for _, entry := range parked {
			if now.Sub(entry.FirstAttempt) >= t.ttl {
				drops = append(drops, failed{entry, ReasonTTLExpired})
			} else {
				kept = append(kept, entry)
			}
		}
		if len(kept) == 0 {
			delete(t.awaiting, sessionID)
		} else {
			t.awaiting[sessionID] = kept
		}
	}
	retransmit := t.retransmit
	onFailed := t.onFailed
	t.mu.Unlock()

	// Callbacks run outside the lock: the router's send path takes its own.
	for _, entry := range resend {
		if !retransmit(entry.ConnID, entry.Env) {
			t.parkOrphan(entry)
			continue
		}
		t.log.Debug("delivery retransmitted",
			slog.String("envelope_id", entry.Env.ID),
			slog.String("agent", entry.Agent),
			slog.Int("attempt", entry.Attempts),
		)
	}
	for _, d := range drops {
		t.log.Warn("delivery failed",
			slog.String("envelope_id", d.entry.Env.ID),
			slog.String("agent", d.entry.Agent),
			slog.Int("attempts", d.entry.Attempts),
			slog.String("reason", d.reason),
		)
		onFailed(d.entry, d.reason)
	}
}

func sortBySeq(parked []*Entry) {
	sort.Slice(parked, func(i, j int) bool {
		si, sj := uint64(0), uint64(0)
		if parked[i].Env.Delivery != nil {
			si = parked[i].Env.Delivery.Seq
		}
		if parked[j].Env.Delivery != nil {
			sj = parked[j].Env.Delivery.Seq
		}
		if si != sj {
			return si < sj
		}
		return parked[i].order < parked[j].order
	})
}

// parkOrphan moves an entry whose connection vanished between scans onto the
// awaiting list.
func (t *Tracker) parkOrphan(entry *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, live := t.entries[entry.Env.ID]; !live {
		return
	}
	t.remove(entry)
	t.awaiting[entry.SessionID] = append(t.awaiting[entry.SessionID], entry)
}
