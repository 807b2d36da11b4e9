// Package storage defines the pluggable persistence boundary of the daemon.
// Message persistence is advisory: every method may fail without affecting
// routing, and the router calls it off the hot path.
package storage

import (
	"context"
	"errors"

	"github.com/relaymesh/agent-relay/internal/domain/model"
	"github.com/relaymesh/agent-relay/pkg/wire"
)

// Message statuses tracked per stored record.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// ErrNotFound is returned by lookups that miss.
var ErrNotFound = errors.New("storage: not found")

// StreamSeq reports the highest delivered sequence per peer stream, used to
// seed client-side gap detection after resume.
type StreamSeq struct {
	Topic  string `json:"topic,omitempty"`
	Peer   string `json:"peer,omitempty"`
	MaxSeq uint64 `json:"maxSeq"`
}

// Store is the storage adapter contract. Implementations decide durability;
// the core treats every error as non-fatal.
type Store interface {
	Init(ctx context.Context) error

	SaveMessage(ctx context.Context, msg wire.StoredMessage) error
	GetMessages(ctx context.Context, filter wire.MessagesFilter) ([]wire.StoredMessage, error)
	UpdateMessageStatus(ctx context.Context, id, status string) error

	StartSession(ctx context.Context, sess *model.Session) error
	EndSession(ctx context.Context, id, closedBy string) error
	GetSessionByResumeToken(ctx context.Context, token string) (*model.Session, error)
	RecordSeq(ctx context.Context, agent, sessionID, peer string, seq uint64) error
	GetMaxSeqByStream(ctx context.Context, agent, sessionID string) ([]StreamSeq, error)

	Close() error
}
