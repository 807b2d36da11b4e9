package storage

import (
	"context"
	"strings"
	"sync"

	"github.com/relaymesh/agent-relay/internal/domain/model"
	"github.com/relaymesh/agent-relay/pkg/wire"
)

// Memory is the default in-process store: a bounded append-only ring of
// message records plus session state. Suited to single-machine daemons where
// history durability is delegated to an external backend.
type Memory struct {
	mu       sync.RWMutex
	capacity int
	messages []wire.StoredMessage
	byID     map[string]int
	sessions map[string]*model.Session // by session id
	byToken  map[string]string         // resume token -> session id
	maxSeq   map[string]map[string]uint64
}

var _ Store = (*Memory)(nil)

// NewMemory creates a ring store keeping at most capacity records.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Memory{
		capacity: capacity,
		byID:     make(map[string]int),
		sessions: make(map[string]*model.Session),
		byToken:  make(map[string]string),
		maxSeq:   make(map[string]map[string]uint64),
	}
}

func (m *Memory) Init(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func (m *Memory) SaveMessage(_ context.Context, msg wire.StoredMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idx, ok := m.byID[msg.ID]; ok {
		m.messages[idx] = msg
		return nil
	}
	if len(m.messages) >= m.capacity {
		// Evict the oldest record; reindex lazily by rebuilding the map.
		evicted := m.messages[0]
		m.messages = m.messages[1:]
		delete(m.byID, evicted.ID)
		for id, idx := range m.byID {
			m.byID[id] = idx - 1
		}
	}
	m.byID[msg.ID] = len(m.messages)
	m.messages = append(m.messages, msg)
	return nil
}

func (m *Memory) GetMessages(_ context.Context, filter wire.MessagesFilter) ([]wire.StoredMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	out := make([]wire.StoredMessage, 0, limit)
	// Newest first.
	for i := len(m.messages) - 1; i >= 0 && len(out) < limit; i-- {
		msg := m.messages[i]
		if !matches(msg, filter) {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func matches(msg wire.StoredMessage, f wire.MessagesFilter) bool {
	if f.Agent != "" && !strings.EqualFold(msg.To, f.Agent) && !strings.EqualFold(msg.From, f.Agent) {
		return false
	}
	if f.Peer != "" && !strings.EqualFold(msg.From, f.Peer) && !strings.EqualFold(msg.To, f.Peer) {
		return false
	}
	if f.Thread != "" && msg.Thread != f.Thread {
		return false
	}
	if f.SinceTS > 0 && msg.TS < f.SinceTS {
		return false
	}
	if f.Status != "" && msg.Status != f.Status {
		return false
	}
	return true
}

func (m *Memory) UpdateMessageStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	m.messages[idx].Status = status
	return nil
}

func (m *Memory) StartSession(_ context.Context, sess *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sess
	m.sessions[sess.ID] = &cp
	m.byToken[sess.ResumeToken] = sess.ID
	return nil
}

func (m *Memory) EndSession(_ context.Context, id, closedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.ClosedBy = closedBy
	// An ended session is not resumable.
	delete(m.byToken, sess.ResumeToken)
	return nil
}

func (m *Memory) GetSessionByResumeToken(_ context.Context, token string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

// RecordSeq tracks the highest sequence handed to (agent, session, peer).
func (m *Memory) RecordSeq(_ context.Context, agent, sessionID, peer string, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := model.Key(agent) + "/" + sessionID
	peers := m.maxSeq[key]
	if peers == nil {
		peers = make(map[string]uint64)
		m.maxSeq[key] = peers
	}
	if seq > peers[peer] {
		peers[peer] = seq
	}
	return nil
}

func (m *Memory) GetMaxSeqByStream(_ context.Context, agent, sessionID string) ([]StreamSeq, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	peers := m.maxSeq[model.Key(agent)+"/"+sessionID]
	out := make([]StreamSeq, 0, len(peers))
	for peer, seq := range peers {
		out = append(out, StreamSeq{Peer: peer, MaxSeq: seq})
	}
	return out, nil
}
