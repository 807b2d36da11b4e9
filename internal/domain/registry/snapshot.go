package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/relaymesh/agent-relay/pkg/wire"
)

// Snapshot file names inside the state directory.
const (
	AgentsFile     = "agents.json"
	ConnectedFile  = "connected-agents.json"
	ProcessingFile = "processing-state.json"
)

type agentsSnapshot struct {
	Agents []wire.AgentInfo `json:"agents"`
}

type connectedSnapshot struct {
	Agents    []string `json:"agents"`
	Users     []string `json:"users"`
	UpdatedAt int64    `json:"updatedAt"`
}

type processingSnapshot struct {
	ProcessingAgents []string `json:"processingAgents"`
	UpdatedAt        int64    `json:"updatedAt"`
}

// writeAtomic lands the payload via temp-file-then-rename so readers never
// observe a partially written snapshot.
func writeAtomic(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal snapshot %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("registry: temp for %s: %w", filepath.Base(path), err)
	}
	if _, err = tmp.Write(raw); err == nil {
		err = tmp.Close()
	} else {
		tmp.Close()
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("registry: write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("registry: rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// FlushAgents rewrites agents.json. Errors are swallowed: snapshots are
// advisory and must never fail a mutation.
func (r *Registry) FlushAgents() {
	if r.stateDir == "" {
		return
	}
	_ = writeAtomic(filepath.Join(r.stateDir, AgentsFile), agentsSnapshot{Agents: r.List()})
}

// FlushConnected rewrites connected-agents.json.
func (r *Registry) FlushConnected() {
	if r.stateDir == "" {
		return
	}
	agents, users := r.ConnectedNames()
	if agents == nil {
		agents = []string{}
	}
	if users == nil {
		users = []string{}
	}
	_ = writeAtomic(filepath.Join(r.stateDir, ConnectedFile), connectedSnapshot{
		Agents:    agents,
		Users:     users,
		UpdatedAt: r.clock().UnixMilli(),
	})
}

// FlushProcessing rewrites processing-state.json.
func (r *Registry) FlushProcessing() {
	if r.stateDir == "" {
		return
	}
	names := r.Processing()
	if names == nil {
		names = []string{}
	}
	_ = writeAtomic(filepath.Join(r.stateDir, ProcessingFile), processingSnapshot{
		ProcessingAgents: names,
		UpdatedAt:        r.clock().UnixMilli(),
	})
}

// RunProcessingWriter reconciles processing-state.json on the given interval
// until ctx is cancelled.
func (r *Registry) RunProcessingWriter(ctx context.Context, interval time.Duration) {
	if r.stateDir == "" {
		return
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.FlushProcessing()
		}
	}
}

// EnsureStateDir creates the state directory if snapshots are enabled.
func (r *Registry) EnsureStateDir() error {
	if r.stateDir == "" {
		return nil
	}
	return os.MkdirAll(r.stateDir, 0o700)
}
