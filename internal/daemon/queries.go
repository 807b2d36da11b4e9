package daemon

import (
	"context"
	"time"

	"github.com/relaymesh/agent-relay/pkg/wire"
)

// reply answers a query envelope: same type, payload_meta.replyTo set to the
// request id.
func reply(c *Conn, req *wire.Envelope, payload any) {
	resp := wire.New(req.Type)
	resp.PayloadMeta = &wire.PayloadMeta{ReplyTo: req.ID}
	if err := resp.SetPayload(payload); err != nil {
		return
	}
	c.Enqueue(resp)
}

// handleQuery serves the request/response envelope types. Storage-backed
// queries run off the connection goroutine; registry and metrics snapshots
// are cheap enough to answer inline.
func (d *Daemon) handleQuery(c *Conn, env *wire.Envelope) {
	switch env.Type {
	case wire.TypeStatus:
		reply(c, env, wire.StatusResult{
			Agent:     c.agent,
			SessionID: c.SessionID(),
			Connected: d.registry.ConnectedCount(),
			Pending:   d.tracker.PendingForAgent(c.agent),
			UptimeMs:  d.metrics.Uptime().Milliseconds(),
		})

	case wire.TypeListAgents:
		reply(c, env, wire.ListAgentsResult{Agents: d.registry.List()})

	case wire.TypeHealth:
		reply(c, env, d.metrics.Health(d.registry.ConnectedCount()))

	case wire.TypeMetrics:
		counters, err := d.metrics.Snapshot()
		result := wire.MetricsResult{Counters: counters}
		if err != nil {
			result.Error = err.Error()
		}
		reply(c, env, result)

	case wire.TypeInbox:
		filter := wire.MessagesFilter{Agent: c.agent, Status: "pending"}
		if len(env.Payload) > 0 {
			var override wire.MessagesFilter
			if err := env.DecodePayload(&override); err == nil && override.Limit > 0 {
				filter.Limit = override.Limit
			}
		}
		d.queryMessages(c, env, filter)

	case wire.TypeMessagesQuery:
		var filter wire.MessagesFilter
		if err := env.DecodePayload(&filter); err != nil {
			reply(c, env, wire.MessagesResult{Error: "malformed filter"})
			return
		}
		d.queryMessages(c, env, filter)

	case wire.TypeRemoveAgent:
		var p wire.RemoveAgentPayload
		if err := env.DecodePayload(&p); err != nil || p.Name == "" {
			reply(c, env, wire.RemoveAgentResult{Error: "missing agent name"})
			return
		}
		removed := d.registry.Remove(p.Name)
		reply(c, env, wire.RemoveAgentResult{Removed: removed})
		if removed {
			d.markAgentsDirty()
		}
	}
}

func (d *Daemon) queryMessages(c *Conn, env *wire.Envelope, filter wire.MessagesFilter) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		msgs, err := d.store.GetMessages(ctx, filter)
		result := wire.MessagesResult{Messages: msgs}
		if err != nil {
			result.Error = err.Error()
		}
		if result.Messages == nil {
			result.Messages = []wire.StoredMessage{}
		}
		reply(c, env, result)
	}()
}
