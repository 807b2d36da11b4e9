package model

import (
	"strings"
	"time"
)

//go:generate stringer -type=EntityType
type EntityType int16

const (
	// [ZERO_VALUE_GUARD] start from 1 to distinguish from uninitialized data.
	EntityAgent EntityType = iota + 1
	EntityUser
)

func (t EntityType) String() string {
	switch t {
	case EntityAgent:
		return "agent"
	case EntityUser:
		return "user"
	default:
		return "unknown"
	}
}

// ParseEntityType maps the wire string to the typed constant. Unknown values
// default to agent, which is the common case for headless workers.
func ParseEntityType(s string) EntityType {
	if strings.EqualFold(s, "user") {
		return EntityUser
	}
	return EntityAgent
}

// OnlineWindow bounds how stale a lastSeen may be for an agent that still
// counts as online.
const OnlineWindow = 30 * time.Second

// Agent is the registry record for one named participant. Names are
// case-insensitive and globally unique per daemon.
type Agent struct {
	Name             string              `json:"name"`
	EntityType       EntityType          `json:"entityType"`
	CLI              string              `json:"cli,omitempty"`
	Role             string              `json:"role,omitempty"`
	Task             string              `json:"task,omitempty"`
	WorkingDirectory string              `json:"workingDirectory,omitempty"`
	DisplayName      string              `json:"displayName,omitempty"`
	AvatarURL        string              `json:"avatarUrl,omitempty"`
	LastSeen         time.Time           `json:"lastSeen"`
	Online           bool                `json:"online"`
	JoinedChannels   map[string]struct{} `json:"-"`
}

// Channels returns a copy of the joined channel set.
func (a *Agent) Channels() []string {
	out := make([]string, 0, len(a.JoinedChannels))
	for ch := range a.JoinedChannels {
		out = append(out, ch)
	}
	return out
}

// Fresh reports whether lastSeen is within the online window.
func (a *Agent) Fresh(now time.Time) bool {
	return now.Sub(a.LastSeen) <= OnlineWindow
}

// Key normalizes an agent name for case-insensitive lookups.
func Key(name string) string { return strings.ToLower(name) }

// reservedNames may only be claimed by connections flagged as system
// components.
var reservedNames = map[string]struct{}{
	"dashboard": {},
	"cli":       {},
	"system":    {},
}

// IsReservedName rejects names that collide with internal components.
func IsReservedName(name string) bool {
	if strings.HasPrefix(name, "_") {
		return true
	}
	_, ok := reservedNames[Key(name)]
	return ok
}
