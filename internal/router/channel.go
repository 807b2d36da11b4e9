package router

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/relaymesh/agent-relay/internal/adapter/membership"
	"github.com/relaymesh/agent-relay/internal/domain/model"
	"github.com/relaymesh/agent-relay/pkg/wire"
)

// HandleChannelJoin adds the sender to the channel, mirrors the membership to
// the external store, and for dm: channels persists both endpoints.
func (r *Router) HandleChannelJoin(sender Peer, channel string) {
	channel = model.CanonicalChannel(channel)
	if !model.IsChannel(channel) {
		sendError(sender, wire.CodeValidationFailed, "not a channel name: "+channel, false)
		return
	}

	r.registry.JoinChannel(sender.AgentName(), channel)

	members := []string{sender.AgentName()}
	if a, b, ok := model.DMMembers(channel); ok {
		// dm:a:b channels carry exactly two persisted members.
		members = []string{a, b}
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, member := range members {
			_ = r.members.Upsert(ctx, r.workspaceID, channel, member, membership.ActionJoin)
		}
	}()
}

// HandleChannelLeave removes the sender from the channel.
func (r *Router) HandleChannelLeave(sender Peer, channel string) {
	channel = model.CanonicalChannel(channel)
	if !r.registry.LeaveChannel(sender.AgentName(), channel) {
		return
	}
	name := sender.AgentName()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.members.Upsert(ctx, r.workspaceID, channel, name, membership.ActionLeave)
	}()
}

// HandleChannelMessage fans a CHANNEL_MESSAGE out to the channel members.
func (r *Router) HandleChannelMessage(sender Peer, env *wire.Envelope) {
	channel := model.CanonicalChannel(strings.TrimSpace(env.To))
	if !model.IsChannel(channel) {
		sendError(sender, wire.CodeValidationFailed, "channel message requires a channel recipient", false)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registry.Touch(sender.AgentName())
	r.channelFanoutLocked(sender, channel, env)
	r.count("channel")
}

// BindShadow attaches the shadow to its primary's traffic.
func (r *Router) BindShadow(shadow Peer, p wire.ShadowBindPayload) {
	if p.Primary == "" {
		sendError(shadow, wire.CodeValidationFailed, "shadow bind requires a primary", false)
		return
	}
	binding := model.NewShadowBinding(shadow.AgentName(), p.Primary, p.SpeakOn, p.ReceiveIncoming, p.ReceiveOutgoing)
	key := model.Key(p.Primary)

	r.mu.Lock()
	defer r.mu.Unlock()
	shadowKey := model.Key(shadow.AgentName())
	for i, existing := range r.shadows[key] {
		if model.Key(existing.Shadow) == shadowKey {
			r.shadows[key][i] = binding // rebind replaces the policy
			return
		}
	}
	r.shadows[key] = append(r.shadows[key], binding)
}

// UnbindShadow removes the shadow's binding on the primary.
func (r *Router) UnbindShadow(shadow Peer, primary string) {
	key := model.Key(primary)
	shadowKey := model.Key(shadow.AgentName())

	r.mu.Lock()
	defer r.mu.Unlock()
	bindings := r.shadows[key]
	kept := bindings[:0]
	for _, b := range bindings {
		if model.Key(b.Shadow) != shadowKey {
			kept = append(kept, b)
		}
	}
	if len(kept) == 0 {
		delete(r.shadows, key)
	} else {
		r.shadows[key] = kept
	}
}

// classify maps a payload to the shadow traffic class it belongs to. Generic
// chat traffic is only visible to ALL_MESSAGES bindings.
func classify(env *wire.Envelope) model.SpeakOn {
	var p wire.SendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return model.SpeakAllMessages
	}
	if cls, ok := p.Data["_class"].(string); ok {
		switch model.SpeakOn(strings.ToUpper(cls)) {
		case model.SpeakCodeWritten:
			return model.SpeakCodeWritten
		case model.SpeakReviewRequest:
			return model.SpeakReviewRequest
		case model.SpeakSessionEnd:
			return model.SpeakSessionEnd
		case model.SpeakExplicitAsk:
			return model.SpeakExplicitAsk
		}
	}
	if strings.Contains(p.Body, "[[SESSION_END]]") {
		return model.SpeakSessionEnd
	}
	return model.SpeakAllMessages
}
