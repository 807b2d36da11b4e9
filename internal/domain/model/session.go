package model

import (
	"time"

	"github.com/google/uuid"
)

// Session is the daemon's view of one logical agent run. It survives socket
// churn: a reconnect presenting the stored resume token reattaches to the
// same session and triggers replay of unacked deliveries.
type Session struct {
	ID          string    `json:"id"`
	AgentName   string    `json:"agentName"`
	ResumeToken string    `json:"resumeToken"`
	StartedAt   time.Time `json:"startedAt"`
	ClosedBy    string    `json:"closedBy,omitempty"`
	CLI         string    `json:"cli,omitempty"`
	ProjectID   string    `json:"projectId,omitempty"`
}

// NewSession mints a fresh session with an unguessable resume token.
func NewSession(agentName, cli string) *Session {
	return &Session{
		ID:          uuid.NewString(),
		AgentName:   agentName,
		ResumeToken: uuid.NewString(),
		StartedAt:   time.Now(),
		CLI:         cli,
	}
}

// Matches reports whether the claimed agent may resume this session.
// Resume succeeds iff the stored session belongs to the same agent name.
func (s *Session) Matches(agentName string) bool {
	return Key(s.AgentName) == Key(agentName)
}
