// Package badgerstore provides a durable Store backed by BadgerDB. It keeps
// an append-only message log indexed by timestamp plus session and sequence
// bookkeeping for resume.
package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/relaymesh/agent-relay/internal/domain/model"
	"github.com/relaymesh/agent-relay/internal/storage"
	"github.com/relaymesh/agent-relay/pkg/wire"
)

const (
	prefixMsg     = "msg/"
	prefixMsgByTS = "mts/"
	prefixSession = "ses/"
	prefixToken   = "tok/"
	prefixSeq     = "seq/"
)

// Store implements storage.Store on a local Badger database.
type Store struct {
	db     *badger.DB
	path   string
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a store rooted at path. The database opens lazily in Init so
// construction stays side-effect free for fx wiring.
func New(path string, logger *slog.Logger) *Store {
	return &Store{path: path, logger: logger}
}

func (s *Store) Init(context.Context) error {
	opts := badger.DefaultOptions(s.path).
		WithLogger(nil).
		WithCompactL0OnClose(true)
	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("badgerstore: open %s: %w", s.path, err)
	}
	s.db = db
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) SaveMessage(_ context.Context, msg wire.StoredMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("badgerstore: marshal message: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixMsg+msg.ID), raw); err != nil {
			return err
		}
		return txn.Set(tsKey(msg.TS, msg.ID), []byte(msg.ID))
	})
}

func tsKey(ts int64, id string) []byte {
	key := make([]byte, len(prefixMsgByTS)+8+len(id))
	copy(key, prefixMsgByTS)
	binary.BigEndian.PutUint64(key[len(prefixMsgByTS):], uint64(ts))
	copy(key[len(prefixMsgByTS)+8:], id)
	return key
}

func (s *Store) GetMessages(_ context.Context, filter wire.MessagesFilter) ([]wire.StoredMessage, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []wire.StoredMessage
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true // newest first
		opts.Prefix = []byte(prefixMsgByTS)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration needs a seek past the prefix range.
		seek := append([]byte(prefixMsgByTS), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		for it.Seek(seek); it.ValidForPrefix([]byte(prefixMsgByTS)) && len(out) < limit; it.Next() {
			var id string
			if err := it.Item().Value(func(v []byte) error {
				id = string(v)
				return nil
			}); err != nil {
				return err
			}

			item, err := txn.Get([]byte(prefixMsg + id))
			if err != nil {
				continue // index ahead of record; skip
			}
			var msg wire.StoredMessage
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &msg) }); err != nil {
				continue
			}
			if msgMatches(msg, filter) {
				out = append(out, msg)
			}
		}
		return nil
	})
	return out, err
}

func msgMatches(msg wire.StoredMessage, f wire.MessagesFilter) bool {
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

func (s *Store) UpdateMessageStatus(_ context.Context, id, status string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixMsg + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		var msg wire.StoredMessage
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &msg) }); err != nil {
			return err
		}
		msg.Status = status
		raw, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return txn.Set([]byte(prefixMsg+id), raw)
	})
}

func (s *Store) StartSession(_ context.Context, sess *model.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("badgerstore: marshal session: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixSession+sess.ID), raw); err != nil {
			return err
		}
		return txn.Set([]byte(prefixToken+sess.ResumeToken), []byte(sess.ID))
	})
}

func (s *Store) EndSession(_ context.Context, id, closedBy string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixSession + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		var sess model.Session
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &sess) }); err != nil {
			return err
		}
		sess.ClosedBy = closedBy
		raw, err := json.Marshal(&sess)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(prefixSession+id), raw); err != nil {
			return err
		}
		// An ended session is not resumable.
		return txn.Delete([]byte(prefixToken + sess.ResumeToken))
	})
}

func (s *Store) GetSessionByResumeToken(_ context.Context, token string) (*model.Session, error) {
	var sess model.Session
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixToken + token))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		var id string
		if err := item.Value(func(v []byte) error {
			id = string(v)
			return nil
		}); err != nil {
			return err
		}
		item, err = txn.Get([]byte(prefixSession + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &sess) })
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// RecordSeq persists the per-stream high-water mark used for seed_sequences.
func (s *Store) RecordSeq(_ context.Context, agent, sessionID, peer string, seq uint64) error {
	key := seqKey(agent, sessionID, peer)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == nil {
			var current uint64
			_ = item.Value(func(v []byte) error {
				current = binary.BigEndian.Uint64(v)
				return nil
			})
			if current >= seq {
				return nil
			}
		}
		return txn.Set(key, buf[:])
	})
}

func seqKey(agent, sessionID, peer string) []byte {
	return []byte(prefixSeq + model.Key(agent) + "/" + sessionID + "/" + model.Key(peer))
}

func (s *Store) GetMaxSeqByStream(_ context.Context, agent, sessionID string) ([]storage.StreamSeq, error) {
	prefix := []byte(prefixSeq + model.Key(agent) + "/" + sessionID + "/")
	var out []storage.StreamSeq
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			peer := string(it.Item().Key()[len(prefix):])
			var seq uint64
			if err := it.Item().Value(func(v []byte) error {
				seq = binary.BigEndian.Uint64(v)
				return nil
			}); err != nil {
				return err
			}
			out = append(out, storage.StreamSeq{Peer: peer, MaxSeq: seq})
		}
		return nil
	})
	return out, err
}
