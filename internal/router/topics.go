package router

import (
	"strings"

	"github.com/relaymesh/agent-relay/internal/domain/model"
	"github.com/relaymesh/agent-relay/pkg/wire"
)

// Subscribe adds the agent to a topic stream. Topics are lighter than
// channels: no persisted membership, no auto-join, addressed via envelope
// topic rather than recipient.
func (r *Router) Subscribe(agent, topic string) {
	topic = strings.ToLower(strings.TrimSpace(topic))
	if topic == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.topics == nil {
		r.topics = make(map[string]map[string]bool)
	}
	subs := r.topics[topic]
	if subs == nil {
		subs = make(map[string]bool)
		r.topics[topic] = subs
	}
	subs[model.Key(agent)] = true
}

// Unsubscribe removes the agent from a topic stream.
func (r *Router) Unsubscribe(agent, topic string) {
	topic = strings.ToLower(strings.TrimSpace(topic))
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.topics[topic]
	delete(subs, model.Key(agent))
	if len(subs) == 0 {
		delete(r.topics, topic)
	}
}

// RouteTopic fans a topic-addressed SEND out to every subscriber except the
// sender.
func (r *Router) RouteTopic(sender Peer, env *wire.Envelope) {
	topic := strings.ToLower(strings.TrimSpace(env.Topic))
	if topic == "" {
		sendError(sender, wire.CodeValidationFailed, "topic send requires a topic", false)
		return
	}
	senderKey := model.Key(sender.AgentName())

	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.topics[topic] {
		if key == senderKey {
			continue
		}
		if peer, ok := r.byName[key]; ok {
			r.deliverLocked(peer, sender.AgentName(), env, "topic:"+topic)
		}
	}
	r.count("topic")
}
