// Package wire defines the relay envelope model and the stream framing used
// between relay clients and the daemon. Every unit of traffic is an Envelope;
// payloads stay as raw bytes until a handler asks for a typed view.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lithammer/shortuuid/v3"
)

// ProtocolVersion is the current envelope version advertised in `v`.
const ProtocolVersion = 1

// Type tags every envelope on the wire.
type Type string

const (
	TypeHello          Type = "HELLO"
	TypeWelcome        Type = "WELCOME"
	TypeSend           Type = "SEND"
	TypeDeliver        Type = "DELIVER"
	TypeAck            Type = "ACK"
	TypePing           Type = "PING"
	TypePong           Type = "PONG"
	TypeBye            Type = "BYE"
	TypeSubscribe      Type = "SUBSCRIBE"
	TypeUnsubscribe    Type = "UNSUBSCRIBE"
	TypeChannelJoin    Type = "CHANNEL_JOIN"
	TypeChannelLeave   Type = "CHANNEL_LEAVE"
	TypeChannelMessage Type = "CHANNEL_MESSAGE"
	TypeShadowBind     Type = "SHADOW_BIND"
	TypeShadowUnbind   Type = "SHADOW_UNBIND"
	TypeLog            Type = "LOG"
	TypeSpawn          Type = "SPAWN"
	TypeSpawnResult    Type = "SPAWN_RESULT"
	TypeRelease        Type = "RELEASE"
	TypeReleaseResult  Type = "RELEASE_RESULT"
	TypeAgentReady     Type = "AGENT_READY"
	TypeError          Type = "ERROR"
	TypeBusy           Type = "BUSY"
	TypeStatus         Type = "STATUS"
	TypeInbox          Type = "INBOX"
	TypeMessagesQuery  Type = "MESSAGES_QUERY"
	TypeListAgents     Type = "LIST_AGENTS"
	TypeHealth         Type = "HEALTH"
	TypeMetrics        Type = "METRICS"
	TypeRemoveAgent    Type = "REMOVE_AGENT"
)

// ErrorCode is the short stable machine code carried by ERROR payloads.
type ErrorCode string

const (
	CodeDuplicateConnection ErrorCode = "DUPLICATE_CONNECTION"
	CodeInvalidFrame        ErrorCode = "INVALID_FRAME"
	CodeUnauthorizedName    ErrorCode = "UNAUTHORIZED_NAME"
	CodeResumeTooOld        ErrorCode = "RESUME_TOO_OLD"
	CodeUnknownRecipient    ErrorCode = "UNKNOWN_RECIPIENT"
	CodeValidationFailed    ErrorCode = "VALIDATION_FAILED"
	CodeAgentLimit          ErrorCode = "AGENT_LIMIT"
	CodeHandshakeTimeout    ErrorCode = "HANDSHAKE_TIMEOUT"
	CodeInternal            ErrorCode = "INTERNAL"
)

// SyncMeta carries request/response correlation settings.
type SyncMeta struct {
	CorrelationID string `json:"correlationId" msgpack:"correlationId"`
	TimeoutMs     int64  `json:"timeoutMs,omitempty" msgpack:"timeoutMs,omitempty"`
	Blocking      bool   `json:"blocking,omitempty" msgpack:"blocking,omitempty"`
}

// PayloadMeta is the optional envelope trailer shared by SEND/DELIVER and
// query traffic.
type PayloadMeta struct {
	Sync       *SyncMeta `json:"sync,omitempty" msgpack:"sync,omitempty"`
	ReplyTo    string    `json:"replyTo,omitempty" msgpack:"replyTo,omitempty"`
	Importance int       `json:"importance,omitempty" msgpack:"importance,omitempty"`
	// Strict opts the sender into UNKNOWN_RECIPIENT errors instead of
	// silent store-and-forward.
	Strict bool `json:"strict,omitempty" msgpack:"strict,omitempty"`
}

// DeliveryInfo is attached to DELIVER envelopes only.
type DeliveryInfo struct {
	Seq        uint64 `json:"seq" msgpack:"seq"`
	SessionID  string `json:"session_id" msgpack:"session_id"`
	OriginalTo string `json:"originalTo,omitempty" msgpack:"originalTo,omitempty"`
}

// Envelope is the unit of wire traffic. Payload bytes are decoded lazily via
// DecodePayload so the router never pays for payloads it only forwards.
type Envelope struct {
	V           int             `json:"v" msgpack:"v"`
	Type        Type            `json:"type" msgpack:"type"`
	ID          string          `json:"id" msgpack:"id"`
	TS          int64           `json:"ts" msgpack:"ts"`
	From        string          `json:"from,omitempty" msgpack:"from,omitempty"`
	To          string          `json:"to,omitempty" msgpack:"to,omitempty"`
	Topic       string          `json:"topic,omitempty" msgpack:"topic,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty"`
	PayloadMeta *PayloadMeta    `json:"payload_meta,omitempty" msgpack:"payload_meta,omitempty"`
	Delivery    *DeliveryInfo   `json:"delivery,omitempty" msgpack:"delivery,omitempty"`
}

// New builds an envelope with a fresh id and current timestamp.
func New(t Type) *Envelope {
	return &Envelope{
		V:    ProtocolVersion,
		Type: t,
		ID:   shortuuid.New(),
		TS:   time.Now().UnixMilli(),
	}
}

// NewWithPayload builds an envelope and marshals the payload in one step.
func NewWithPayload(t Type, payload any) (*Envelope, error) {
	env := New(t)
	if err := env.SetPayload(payload); err != nil {
		return nil, err
	}
	return env, nil
}

// SetPayload marshals v into the envelope payload slot.
func (e *Envelope) SetPayload(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal %s payload: %w", e.Type, err)
	}
	e.Payload = raw
	return nil
}

// DecodePayload unmarshals the payload bytes into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("wire: %s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("wire: decode %s payload: %w", e.Type, err)
	}
	return nil
}

// CorrelationID returns the sync correlation id, if any.
func (e *Envelope) CorrelationID() string {
	if e.PayloadMeta != nil && e.PayloadMeta.Sync != nil {
		return e.PayloadMeta.Sync.CorrelationID
	}
	return ""
}

// ReplyTo returns the envelope id this one answers, if any.
func (e *Envelope) ReplyTo() string {
	if e.PayloadMeta != nil {
		return e.PayloadMeta.ReplyTo
	}
	return ""
}

// IsQuery reports whether the envelope type expects a same-type response
// correlated through payload_meta.replyTo.
func (e *Envelope) IsQuery() bool {
	switch e.Type {
	case TypeStatus, TypeInbox, TypeMessagesQuery, TypeListAgents,
		TypeHealth, TypeMetrics, TypeRemoveAgent:
		return true
	}
	return false
}

// ---- Typed payloads -------------------------------------------------------

// MessageKind classifies a SEND body.
type MessageKind string

const (
	KindMessage  MessageKind = "message"
	KindAction   MessageKind = "action"
	KindState    MessageKind = "state"
	KindThinking MessageKind = "thinking"
)

// SendPayload is carried by SEND, DELIVER and CHANNEL_MESSAGE envelopes.
type SendPayload struct {
	Kind   MessageKind    `json:"kind"`
	Body   string         `json:"body"`
	Data   map[string]any `json:"data,omitempty"`
	Thread string         `json:"thread,omitempty"`
}

// Capabilities advertised at HELLO.
type Capabilities struct {
	Ack            bool `json:"ack"`
	Resume         bool `json:"resume"`
	MaxInflight    int  `json:"max_inflight,omitempty"`
	SupportsTopics bool `json:"supports_topics,omitempty"`
}

// HelloSession requests a resume of a previous session.
type HelloSession struct {
	ResumeToken string `json:"resume_token"`
}

// HelloPayload opens a connection.
type HelloPayload struct {
	Agent             string        `json:"agent"`
	EntityType        string        `json:"entityType,omitempty"` // "agent" | "user"
	CLI               string        `json:"cli,omitempty"`
	Role              string        `json:"role,omitempty"`
	Task              string        `json:"task,omitempty"`
	WorkingDirectory  string        `json:"workingDirectory,omitempty"`
	DisplayName       string        `json:"displayName,omitempty"`
	AvatarURL         string        `json:"avatarUrl,omitempty"`
	Capabilities      Capabilities  `json:"capabilities"`
	Session           *HelloSession `json:"session,omitempty"`
	IsSystemComponent bool          `json:"_isSystemComponent,omitempty"`
}

// WelcomePayload acknowledges a HELLO.
type WelcomePayload struct {
	SessionID     string            `json:"session_id"`
	ResumeToken   string            `json:"resume_token"`
	SeedSequences map[string]uint64 `json:"seed_sequences,omitempty"`
}

// AckPayload acknowledges one DELIVER by its envelope id.
type AckPayload struct {
	ID            string `json:"id"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// ErrorPayload is the body of every ERROR envelope.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Fatal   bool      `json:"fatal,omitempty"`
	TraceID string    `json:"trace_id,omitempty"`
}

// ByePayload announces a graceful disconnect.
type ByePayload struct {
	Reason string `json:"reason,omitempty"`
}

// ChannelPayload names the channel for join/leave operations.
type ChannelPayload struct {
	Channel string `json:"channel"`
}

// ShadowBindPayload creates a directed shadow -> primary observation binding.
type ShadowBindPayload struct {
	Primary         string   `json:"primary"`
	SpeakOn         []string `json:"speakOn,omitempty"`
	ReceiveIncoming bool     `json:"receiveIncoming"`
	ReceiveOutgoing bool     `json:"receiveOutgoing"`
}

// ShadowUnbindPayload removes a binding.
type ShadowUnbindPayload struct {
	Primary string `json:"primary"`
}

// LogPayload streams a worker log line to the daemon. Logs are sheddable.
type LogPayload struct {
	Level string `json:"level,omitempty"`
	Line  string `json:"line"`
}

// SpawnPayload asks the spawner collaborator to start a new worker.
type SpawnPayload struct {
	Name         string `json:"name"`
	CLI          string `json:"cli"`
	Task         string `json:"task,omitempty"`
	WaitForReady bool   `json:"waitForReady,omitempty"`
}

// SpawnResultPayload answers a SPAWN via payload_meta.replyTo.
type SpawnResultPayload struct {
	Success bool   `json:"success"`
	Name    string `json:"name,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ReleasePayload asks the spawner to stop a worker.
type ReleasePayload struct {
	Name string `json:"name"`
}

// ReleaseResultPayload answers a RELEASE.
type ReleaseResultPayload struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// AgentReadyPayload is broadcast when a spawned worker finishes its handshake.
type AgentReadyPayload struct {
	Name string `json:"name"`
}

// AgentInfo is the query-facing projection of a registry record.
type AgentInfo struct {
	Name             string   `json:"name"`
	EntityType       string   `json:"entityType"`
	CLI              string   `json:"cli,omitempty"`
	Role             string   `json:"role,omitempty"`
	Task             string   `json:"task,omitempty"`
	WorkingDirectory string   `json:"workingDirectory,omitempty"`
	DisplayName      string   `json:"displayName,omitempty"`
	AvatarURL        string   `json:"avatarUrl,omitempty"`
	Online           bool     `json:"online"`
	LastSeen         int64    `json:"lastSeen"`
	Channels         []string `json:"channels,omitempty"`
}

// ListAgentsResult answers LIST_AGENTS.
type ListAgentsResult struct {
	Agents []AgentInfo `json:"agents"`
}

// StatusResult answers STATUS.
type StatusResult struct {
	Agent     string `json:"agent"`
	SessionID string `json:"session_id"`
	Connected int    `json:"connected"`
	Pending   int    `json:"pending"`
	UptimeMs  int64  `json:"uptime_ms"`
}

// StoredMessage is a persisted message record returned by INBOX and
// MESSAGES_QUERY.
type StoredMessage struct {
	ID     string      `json:"id"`
	From   string      `json:"from"`
	To     string      `json:"to"`
	Kind   MessageKind `json:"kind"`
	Body   string      `json:"body"`
	Thread string      `json:"thread,omitempty"`
	TS     int64       `json:"ts"`
	Status string      `json:"status"` // pending | delivered | failed
}

// MessagesFilter scopes INBOX and MESSAGES_QUERY requests.
type MessagesFilter struct {
	Agent   string `json:"agent,omitempty"`
	Peer    string `json:"peer,omitempty"`
	Thread  string `json:"thread,omitempty"`
	SinceTS int64  `json:"since_ts,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Status  string `json:"status,omitempty"`
}

// MessagesResult answers INBOX and MESSAGES_QUERY.
type MessagesResult struct {
	Messages []StoredMessage `json:"messages"`
	Error    string          `json:"error,omitempty"`
}

// HealthResult answers HEALTH.
type HealthResult struct {
	OK         bool    `json:"ok"`
	UptimeMs   int64   `json:"uptime_ms"`
	Agents     int     `json:"agents"`
	Goroutines int     `json:"goroutines"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Error      string  `json:"error,omitempty"`
}

// MetricsResult answers METRICS with a flat counter snapshot.
type MetricsResult struct {
	Counters map[string]float64 `json:"counters"`
	Error    string             `json:"error,omitempty"`
}

// RemoveAgentPayload asks the daemon to drop a registry record.
type RemoveAgentPayload struct {
	Name string `json:"name"`
}

// RemoveAgentResult answers REMOVE_AGENT.
type RemoveAgentResult struct {
	Removed bool   `json:"removed"`
	Error   string `json:"error,omitempty"`
}
