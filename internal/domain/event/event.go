package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/relaymesh/agent-relay/pkg/wire"
)

// Topic names on the in-process bus. External collaborators (cloud sync,
// dashboards) subscribe to these; the core only publishes.
const (
	TopicAgentsUpdated  = "relay.agents.updated"
	TopicDeliveryFailed = "relay.delivery.failed"
	TopicMessageSaved   = "relay.message.saved"
	TopicAgentReady     = "relay.agent.ready"
)

// Eventer defines the contract for all packets flowing through the bus.
type Eventer interface {
	GetID() string
	GetTopic() string
	GetOccurredAt() int64
}

type base struct {
	ID         string `json:"id"`
	OccurredAt int64  `json:"occurred_at"`
}

func newBase() base {
	return base{ID: uuid.NewString(), OccurredAt: time.Now().UnixMilli()}
}

func (b base) GetID() string        { return b.ID }
func (b base) GetOccurredAt() int64 { return b.OccurredAt }

// AgentsUpdated carries the full connected-agent roster. Published on every
// agent up/down transition, debounced by the cloud-sync notifier.
type AgentsUpdated struct {
	base
	Agents []wire.AgentInfo `json:"agents"`
}

func NewAgentsUpdated(agents []wire.AgentInfo) *AgentsUpdated {
	return &AgentsUpdated{base: newBase(), Agents: agents}
}

func (e *AgentsUpdated) GetTopic() string { return TopicAgentsUpdated }

// DeliveryFailed signals that a tracked delivery exhausted its retry budget.
type DeliveryFailed struct {
	base
	EnvelopeID string `json:"envelope_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Attempts   int    `json:"attempts"`
	Reason     string `json:"reason"`
}

func NewDeliveryFailed(envelopeID, from, to string, attempts int, reason string) *DeliveryFailed {
	return &DeliveryFailed{
		base:       newBase(),
		EnvelopeID: envelopeID,
		From:       from,
		To:         to,
		Attempts:   attempts,
		Reason:     reason,
	}
}

func (e *DeliveryFailed) GetTopic() string { return TopicDeliveryFailed }

// MessageSaved mirrors the append-only storage record for observers.
type MessageSaved struct {
	base
	Message wire.StoredMessage `json:"message"`
}

func NewMessageSaved(msg wire.StoredMessage) *MessageSaved {
	return &MessageSaved{base: newBase(), Message: msg}
}

func (e *MessageSaved) GetTopic() string { return TopicMessageSaved }

// AgentReadyEvent fires when a spawned worker completes its handshake.
type AgentReadyEvent struct {
	base
	Name string `json:"name"`
}

func NewAgentReady(name string) *AgentReadyEvent {
	return &AgentReadyEvent{base: newBase(), Name: name}
}

func (e *AgentReadyEvent) GetTopic() string { return TopicAgentReady }
