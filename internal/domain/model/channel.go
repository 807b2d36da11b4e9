package model

import (
	"sort"
	"strings"
)

// GeneralChannel is auto-joined by the daemon on an agent's first HELLO.
// The daemon is the single place this happens; spawners never pre-join.
const GeneralChannel = "#general"

// IsChannel reports whether a destination names a multicast channel.
// `dm:a:b` targets are channels with exactly two persisted members.
func IsChannel(to string) bool {
	return strings.HasPrefix(to, "#") || IsDM(to)
}

// IsDM matches the dm:a:b channel form.
func IsDM(to string) bool {
	if !strings.HasPrefix(to, "dm:") {
		return false
	}
	parts := strings.SplitN(to, ":", 3)
	return len(parts) == 3 && parts[1] != "" && parts[2] != ""
}

// DMChannel returns the canonical dm channel name for two peers. Member
// order is normalized so dm:a:b and dm:b:a address the same channel.
func DMChannel(a, b string) string {
	members := []string{Key(a), Key(b)}
	sort.Strings(members)
	return "dm:" + members[0] + ":" + members[1]
}

// DMMembers extracts the two persisted members of a dm channel.
func DMMembers(channel string) (string, string, bool) {
	if !IsDM(channel) {
		return "", "", false
	}
	parts := strings.SplitN(channel, ":", 3)
	return parts[1], parts[2], true
}

// CanonicalChannel normalizes a channel name for membership keys.
func CanonicalChannel(channel string) string {
	if a, b, ok := DMMembers(channel); ok {
		return DMChannel(a, b)
	}
	return Key(channel)
}
