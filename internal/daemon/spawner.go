package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/relaymesh/agent-relay/pkg/wire"
)

// Spawner starts and stops worker processes. External collaborator: the
// daemon only brokers the RPC; capacity decisions and process supervision
// live outside the core.
type Spawner interface {
	Spawn(ctx context.Context, name, cli, task string) error
	Release(ctx context.Context, name string) error
}

// ErrNoSpawner is returned by the default spawner.
var ErrNoSpawner = errors.New("daemon: no spawner configured")

// NoopSpawner rejects every request; the daemon still answers with a typed
// result instead of an error frame.
type NoopSpawner struct{}

var _ Spawner = (*NoopSpawner)(nil)

func (NoopSpawner) Spawn(context.Context, string, string, string) error { return ErrNoSpawner }
func (NoopSpawner) Release(context.Context, string) error               { return ErrNoSpawner }

// handleSpawnRelease brokers SPAWN and RELEASE to the spawner collaborator.
// Results are always typed payloads, never error frames, so callers can block
// on the reply without special-casing failures.
func (d *Daemon) handleSpawnRelease(c *Conn, env *wire.Envelope) {
	switch env.Type {
	case wire.TypeSpawn:
		var p wire.SpawnPayload
		if err := env.DecodePayload(&p); err != nil || p.Name == "" {
			resp := wire.SpawnResultPayload{Success: false, Error: "malformed spawn request"}
			replySpawn(c, env, wire.TypeSpawnResult, resp)
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			result := wire.SpawnResultPayload{Success: true, Name: p.Name}
			if err := d.spawner.Spawn(ctx, p.Name, p.CLI, p.Task); err != nil {
				result = wire.SpawnResultPayload{Success: false, Name: p.Name, Error: err.Error()}
			}
			replySpawn(c, env, wire.TypeSpawnResult, result)
		}()

	case wire.TypeRelease:
		var p wire.ReleasePayload
		if err := env.DecodePayload(&p); err != nil || p.Name == "" {
			replySpawn(c, env, wire.TypeReleaseResult, wire.ReleaseResultPayload{Success: false, Error: "malformed release request"})
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			result := wire.ReleaseResultPayload{Success: true}
			if err := d.spawner.Release(ctx, p.Name); err != nil {
				result = wire.ReleaseResultPayload{Success: false, Error: err.Error()}
			}
			replySpawn(c, env, wire.TypeReleaseResult, result)
		}()
	}
}

func replySpawn(c *Conn, req *wire.Envelope, t wire.Type, payload any) {
	resp := wire.New(t)
	resp.PayloadMeta = &wire.PayloadMeta{ReplyTo: req.ID}
	if err := resp.SetPayload(payload); err != nil {
		return
	}
	c.Enqueue(resp)
}
