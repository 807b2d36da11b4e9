package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/relaymesh/agent-relay/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hello(name string) *wire.HelloPayload {
	return &wire.HelloPayload{Agent: name, EntityType: "agent", CLI: "claude"}
}

func TestRegisterAndCaseInsensitiveLookup(t *testing.T) {
	r := New()
	connID := uuid.New()

	agent, err := r.Register(hello("Alice"), connID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", agent.Name)

	got, ok := r.Get("aLiCe")
	require.True(t, ok)
	assert.Equal(t, "Alice", got.Name)

	id, ok := r.ConnIDFor("ALICE")
	require.True(t, ok)
	assert.Equal(t, connID, id)
}

func TestDuplicateConnectionRejected(t *testing.T) {
	r := New()
	_, err := r.Register(hello("Alice"), uuid.New())
	require.NoError(t, err)

	_, err = r.Register(hello("alice"), uuid.New())
	assert.ErrorIs(t, err, ErrDuplicateConnection)
}

func TestReservedNamesNeedSystemFlag(t *testing.T) {
	r := New()

	_, err := r.Register(hello("Dashboard"), uuid.New())
	assert.ErrorIs(t, err, ErrReservedName)
	_, err = r.Register(hello("_consensus"), uuid.New())
	assert.ErrorIs(t, err, ErrReservedName)

	sys := hello("Dashboard")
	sys.IsSystemComponent = true
	_, err = r.Register(sys, uuid.New())
	assert.NoError(t, err)
}

func TestDisconnectIgnoresStaleConnection(t *testing.T) {
	r := New()
	first := uuid.New()
	_, err := r.Register(hello("Bob"), first)
	require.NoError(t, err)

	// Bob's socket dies and a new one takes over the name.
	r.Disconnect("Bob", first)
	second := uuid.New()
	_, err = r.Register(hello("Bob"), second)
	require.NoError(t, err)

	// The late disconnect of the first socket must not unbind the second.
	r.Disconnect("Bob", first)
	id, ok := r.ConnIDFor("Bob")
	require.True(t, ok)
	assert.Equal(t, second, id)
}

func TestAgentLimit(t *testing.T) {
	r := New(WithMaxAgents(1))
	_, err := r.Register(hello("Alice"), uuid.New())
	require.NoError(t, err)

	_, err = r.Register(hello("Bob"), uuid.New())
	assert.ErrorIs(t, err, ErrAgentLimit)
}

func TestOnlineReflectsFreshness(t *testing.T) {
	now := time.Now()
	clock := now
	r := New(WithClock(func() time.Time { return clock }))

	_, err := r.Register(hello("Alice"), uuid.New())
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 1)
	assert.True(t, list[0].Online)

	clock = now.Add(31 * time.Second)
	list = r.List()
	assert.False(t, list[0].Online, "stale lastSeen drops online even while connected")

	r.Touch("Alice")
	list = r.List()
	assert.True(t, list[0].Online)
}

func TestChannelMembership(t *testing.T) {
	r := New()
	_, err := r.Register(hello("Alice"), uuid.New())
	require.NoError(t, err)
	_, err = r.Register(hello("Bob"), uuid.New())
	require.NoError(t, err)

	assert.True(t, r.JoinChannel("Alice", "#room"))
	assert.False(t, r.JoinChannel("Alice", "#room"), "double join is a no-op")
	assert.True(t, r.JoinChannel("Bob", "#ROOM"), "channel names are case-insensitive")

	assert.Equal(t, []string{"Alice", "Bob"}, r.ChannelMembers("#room"))

	assert.True(t, r.LeaveChannel("Alice", "#room"))
	assert.Equal(t, []string{"Bob"}, r.ChannelMembers("#room"))
}

func TestProcessingMarks(t *testing.T) {
	r := New()
	_, err := r.Register(hello("Worker"), uuid.New())
	require.NoError(t, err)

	assert.False(t, r.IsProcessing("Worker"))
	r.SetProcessing("worker", true)
	assert.True(t, r.IsProcessing("Worker"))
	assert.Equal(t, []string{"Worker"}, r.Processing())

	r.SetProcessing("Worker", false)
	assert.Empty(t, r.Processing())
}

func TestSnapshotFiles(t *testing.T) {
	dir := t.TempDir()
	r := New(WithStateDir(dir))
	require.NoError(t, r.EnsureStateDir())

	connID := uuid.New()
	_, err := r.Register(hello("Alice"), connID)
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, AgentsFile))
	require.NoError(t, err)
	var agents agentsSnapshot
	require.NoError(t, json.Unmarshal(raw, &agents))
	require.Len(t, agents.Agents, 1)
	assert.Equal(t, "Alice", agents.Agents[0].Name)

	raw, err = os.ReadFile(filepath.Join(dir, ConnectedFile))
	require.NoError(t, err)
	var connected connectedSnapshot
	require.NoError(t, json.Unmarshal(raw, &connected))
	assert.Equal(t, []string{"Alice"}, connected.Agents)
	assert.Empty(t, connected.Users)

	r.Disconnect("Alice", connID)
	raw, err = os.ReadFile(filepath.Join(dir, ConnectedFile))
	require.NoError(t, err)
	connected = connectedSnapshot{}
	require.NoError(t, json.Unmarshal(raw, &connected))
	assert.Empty(t, connected.Agents)

	r.SetProcessing("Alice", true)
	r.FlushProcessing()
	raw, err = os.ReadFile(filepath.Join(dir, ProcessingFile))
	require.NoError(t, err)
	var processing processingSnapshot
	require.NoError(t, json.Unmarshal(raw, &processing))
	assert.Equal(t, []string{"Alice"}, processing.ProcessingAgents)
}

func TestRemove(t *testing.T) {
	r := New()
	_, err := r.Register(hello("Alice"), uuid.New())
	require.NoError(t, err)

	assert.True(t, r.Remove("alice"))
	_, ok := r.Get("Alice")
	assert.False(t, ok)
	assert.False(t, r.Remove("Alice"))
}
