// Package membership mirrors channel membership to an optional external
// store. The router treats the store as advisory: lookups enrich fan-out with
// persisted members, but no routing decision ever blocks on store I/O.
package membership

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Membership actions accepted by Upsert.
const (
	ActionJoin  = "join"
	ActionLeave = "leave"
)

// Storer is the external membership store contract.
type Storer interface {
	Upsert(ctx context.Context, workspaceID, channel, member, action string) error
	List(ctx context.Context, workspaceID, channel string) ([]string, error)
	ListForMember(ctx context.Context, workspaceID, member string) ([]string, error)
}

// Noop disables persisted membership. Live joins still work; only
// cross-daemon visibility is lost.
type Noop struct{}

var _ Storer = (*Noop)(nil)

func (Noop) Upsert(context.Context, string, string, string, string) error { return nil }
func (Noop) List(context.Context, string, string) ([]string, error)       { return nil, nil }
func (Noop) ListForMember(context.Context, string, string) ([]string, error) {
	return nil, nil
}

// InMemory keeps memberships per workspace in process. The default backend
// for single-machine deployments, and the reference implementation for tests.
type InMemory struct {
	mu sync.RWMutex
	// workspace -> channel -> member set (lowercased member keys, original casing kept as value)
	channels map[string]map[string]map[string]string
}

var _ Storer = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{channels: make(map[string]map[string]map[string]string)}
}

func (s *InMemory) Upsert(_ context.Context, workspaceID, channel, member, action string) error {
	channel = strings.ToLower(channel)
	key := strings.ToLower(member)

	s.mu.Lock()
	defer s.mu.Unlock()

	ws := s.channels[workspaceID]
	if ws == nil {
		ws = make(map[string]map[string]string)
		s.channels[workspaceID] = ws
	}
	members := ws[channel]
	if members == nil {
		members = make(map[string]string)
		ws[channel] = members
	}

	if action == ActionLeave {
		delete(members, key)
		if len(members) == 0 {
			delete(ws, channel)
		}
		return nil
	}
	members[key] = member
	return nil
}

func (s *InMemory) List(_ context.Context, workspaceID, channel string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.channels[workspaceID][strings.ToLower(channel)]
	out := make([]string, 0, len(members))
	for _, name := range members {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemory) ListForMember(_ context.Context, workspaceID, member string) ([]string, error) {
	key := strings.ToLower(member)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for channel, members := range s.channels[workspaceID] {
		if _, ok := members[key]; ok {
			out = append(out, channel)
		}
	}
	sort.Strings(out)
	return out, nil
}
