/*
Package registry tracks every agent identity known to the daemon.

Key Architectural Concepts:
  - Case-insensitive identity: one record per lowercased name, globally unique
    per daemon. A second live connection claiming a bound name is rejected.
  - Observable state: the registry mirrors itself to snapshot files
    (agents.json, connected-agents.json, processing-state.json) written
    atomically via temp-file-then-rename so external tools never see torn
    reads.
  - Single-writer: all mutations happen under one mutex inside the daemon;
    snapshots are computed under the lock and flushed outside it.
*/
package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaymesh/agent-relay/internal/domain/model"
	"github.com/relaymesh/agent-relay/pkg/wire"
)

var (
	ErrDuplicateConnection = errors.New("registry: name bound to a live connection")
	ErrReservedName        = errors.New("registry: reserved name")
	ErrAgentLimit          = errors.New("registry: agent limit reached")
)

// Registrar defines the identity-tracking gateway used by connections and the
// router.
type Registrar interface {
	Register(hello *wire.HelloPayload, connID uuid.UUID) (*model.Agent, error)
	Disconnect(name string, connID uuid.UUID)
	Touch(name string)
	Get(name string) (*model.Agent, bool)
	ConnIDFor(name string) (uuid.UUID, bool)
	List() []wire.AgentInfo
	ConnectedNames() (agents, users []string)
	ConnectedCount() int

	JoinChannel(name, channel string) bool
	LeaveChannel(name, channel string) bool
	ChannelMembers(channel string) []string

	SetProcessing(name string, on bool)
	IsProcessing(name string) bool
	Processing() []string

	Remove(name string) bool
}

// Registry implements Registrar plus the snapshot flushing driven by the
// daemon's periodic writer.
type Registry struct {
	mu         sync.Mutex
	agents     map[string]*model.Agent // key: model.Key(name)
	connected  map[string]uuid.UUID    // key -> live connection id
	processing map[string]bool

	stateDir     string
	onlineWindow time.Duration
	maxAgents    int
	clock        func() time.Time
}

var _ Registrar = (*Registry)(nil)

func New(opts ...Option) *Registry {
	r := &Registry{
		agents:       make(map[string]*model.Agent),
		connected:    make(map[string]uuid.UUID),
		processing:   make(map[string]bool),
		onlineWindow: model.OnlineWindow,
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates the HELLO identity and binds it to connID. On success
// the agents and connected snapshots are flushed.
func (r *Registry) Register(hello *wire.HelloPayload, connID uuid.UUID) (*model.Agent, error) {
	name := strings.TrimSpace(hello.Agent)
	if name == "" {
		return nil, ErrReservedName
	}
	if model.IsReservedName(name) && !hello.IsSystemComponent {
		return nil, ErrReservedName
	}

	key := model.Key(name)
	r.mu.Lock()
	if _, live := r.connected[key]; live {
		r.mu.Unlock()
		return nil, ErrDuplicateConnection
	}
	if r.maxAgents > 0 && len(r.connected) >= r.maxAgents {
		if _, known := r.agents[key]; !known {
			r.mu.Unlock()
			return nil, ErrAgentLimit
		}
	}

	agent := r.agents[key]
	if agent == nil {
		agent = &model.Agent{
			Name:           name,
			JoinedChannels: make(map[string]struct{}),
		}
		r.agents[key] = agent
	}
	agent.Name = name
	agent.EntityType = model.ParseEntityType(hello.EntityType)
	if hello.CLI != "" {
		agent.CLI = hello.CLI
	}
	if hello.Role != "" {
		agent.Role = hello.Role
	}
	if hello.Task != "" {
		agent.Task = hello.Task
	}
	if hello.WorkingDirectory != "" {
		agent.WorkingDirectory = hello.WorkingDirectory
	}
	if hello.DisplayName != "" {
		agent.DisplayName = hello.DisplayName
	}
	if hello.AvatarURL != "" {
		agent.AvatarURL = hello.AvatarURL
	}
	agent.LastSeen = r.clock()
	agent.Online = true
	r.connected[key] = connID
	r.mu.Unlock()

	r.FlushAgents()
	r.FlushConnected()
	return agent, nil
}

// Disconnect unbinds the name iff connID still owns it. A stale disconnect
// from a superseded connection is a no-op.
func (r *Registry) Disconnect(name string, connID uuid.UUID) {
	key := model.Key(name)
	r.mu.Lock()
	owner, live := r.connected[key]
	if !live || owner != connID {
		r.mu.Unlock()
		return
	}
	delete(r.connected, key)
	delete(r.processing, key)
	if agent := r.agents[key]; agent != nil {
		agent.Online = false
		agent.LastSeen = r.clock()
	}
	r.mu.Unlock()

	r.FlushAgents()
	r.FlushConnected()
}

// Touch refreshes lastSeen on any inbound traffic.
func (r *Registry) Touch(name string) {
	r.mu.Lock()
	if agent := r.agents[model.Key(name)]; agent != nil {
		agent.LastSeen = r.clock()
	}
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (*model.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[model.Key(name)]
	if !ok {
		return nil, false
	}
	cp := *agent
	cp.JoinedChannels = make(map[string]struct{}, len(agent.JoinedChannels))
	for ch := range agent.JoinedChannels {
		cp.JoinedChannels[ch] = struct{}{}
	}
	return &cp, true
}

func (r *Registry) ConnIDFor(name string) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.connected[model.Key(name)]
	return id, ok
}

// List projects every known record, online computed against the freshness
// window.
func (r *Registry) List() []wire.AgentInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	out := make([]wire.AgentInfo, 0, len(r.agents))
	for key, agent := range r.agents {
		_, live := r.connected[key]
		channels := agent.Channels()
		sort.Strings(channels)
		out = append(out, wire.AgentInfo{
			Name:             agent.Name,
			EntityType:       agent.EntityType.String(),
			CLI:              agent.CLI,
			Role:             agent.Role,
			Task:             agent.Task,
			WorkingDirectory: agent.WorkingDirectory,
			DisplayName:      agent.DisplayName,
			AvatarURL:        agent.AvatarURL,
			Online:           live && now.Sub(agent.LastSeen) <= r.onlineWindow,
			LastSeen:         agent.LastSeen.UnixMilli(),
			Channels:         channels,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) ConnectedNames() (agents, users []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.connected {
		record := r.agents[key]
		if record == nil {
			continue
		}
		if record.EntityType == model.EntityUser {
			users = append(users, record.Name)
		} else {
			agents = append(agents, record.Name)
		}
	}
	sort.Strings(agents)
	sort.Strings(users)
	return agents, users
}

func (r *Registry) ConnectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connected)
}

func (r *Registry) JoinChannel(name, channel string) bool {
	channel = model.CanonicalChannel(channel)
	r.mu.Lock()
	agent := r.agents[model.Key(name)]
	if agent == nil {
		r.mu.Unlock()
		return false
	}
	if agent.JoinedChannels == nil {
		agent.JoinedChannels = make(map[string]struct{})
	}
	_, already := agent.JoinedChannels[channel]
	agent.JoinedChannels[channel] = struct{}{}
	changed := !already
	r.mu.Unlock()

	if changed {
		r.FlushAgents()
	}
	return changed
}

func (r *Registry) LeaveChannel(name, channel string) bool {
	channel = model.CanonicalChannel(channel)
	r.mu.Lock()
	agent := r.agents[model.Key(name)]
	if agent == nil {
		r.mu.Unlock()
		return false
	}
	if _, ok := agent.JoinedChannels[channel]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(agent.JoinedChannels, channel)
	r.mu.Unlock()

	r.FlushAgents()
	return true
}

// ChannelMembers returns the connected members of channel, sorted by name.
func (r *Registry) ChannelMembers(channel string) []string {
	channel = model.CanonicalChannel(channel)
	r.mu.Lock()
	defer r.mu.Unlock()

	var members []string
	for key := range r.connected {
		agent := r.agents[key]
		if agent == nil {
			continue
		}
		if _, ok := agent.JoinedChannels[channel]; ok {
			members = append(members, agent.Name)
		}
	}
	sort.Strings(members)
	return members
}

func (r *Registry) SetProcessing(name string, on bool) {
	key := model.Key(name)
	r.mu.Lock()
	if on {
		r.processing[key] = true
	} else {
		delete(r.processing, key)
	}
	r.mu.Unlock()
}

func (r *Registry) IsProcessing(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processing[model.Key(name)]
}

func (r *Registry) Processing() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.processing))
	for key := range r.processing {
		if agent := r.agents[key]; agent != nil {
			out = append(out, agent.Name)
		}
	}
	sort.Strings(out)
	return out
}

// Remove drops a record entirely. Live connections keep their socket; the
// next snapshot simply no longer lists the name.
func (r *Registry) Remove(name string) bool {
	key := model.Key(name)
	r.mu.Lock()
	_, known := r.agents[key]
	delete(r.agents, key)
	delete(r.connected, key)
	delete(r.processing, key)
	r.mu.Unlock()

	if known {
		r.FlushAgents()
		r.FlushConnected()
	}
	return known
}
