package orchestrator

import (
	"strings"
	"time"

	"github.com/relaymesh/agent-relay/internal/orchestrator/parser"
	"github.com/relaymesh/agent-relay/pkg/relay"
)

// Injection retry prefixes, escalating per attempt.
const (
	retryPrefix  = "[RETRY] "
	urgentPrefix = "[URGENT - PLEASE ACKNOWLEDGE] "
)

// pendingInject is one queued inbound message awaiting a quiet terminal.
type pendingInject struct {
	msg      relay.Message
	attempts int
	queuedAt time.Time
}

// marker returns the short-id tag used to verify the injection echoed back
// through the CLI's output.
func (p *pendingInject) marker() string {
	return "[" + shortID(p.msg.ID) + "]"
}

func shortID(id string) string {
	if len(id) > 7 {
		return id[:7]
	}
	return id
}

// injectPriority maps relay importance onto the wrapper's queue priority,
// where a lower number drains first.
func injectPriority(importance int) int {
	switch {
	case importance >= 2:
		return 0
	case importance == 1:
		return 1
	default:
		return 2
	}
}

// buildInjectionString renders an inbound message the way the wrapped CLI
// expects to read it:
//
//	Relay message from <sender> [<short-id>] [thread:t] [#channel] [!!|!]: body
//
// Dashboard-originated messages carry the human sender in data.senderName;
// that name replaces the synthetic connection identity.
func buildInjectionString(p *pendingInject) string {
	msg := p.msg
	from := msg.From
	if from == "_DashboardUI" {
		if name, ok := msg.Data["senderName"].(string); ok && name != "" {
			from = name
		}
	}

	var b strings.Builder
	switch p.attempts {
	case 0:
	case 1:
		b.WriteString(retryPrefix)
	default:
		b.WriteString(urgentPrefix)
	}
	b.WriteString("Relay message from ")
	b.WriteString(from)
	b.WriteString(" [")
	b.WriteString(shortID(msg.ID))
	b.WriteString("]")
	if msg.Thread != "" {
		b.WriteString(" [thread:")
		b.WriteString(msg.Thread)
		b.WriteString("]")
	}
	if strings.HasPrefix(msg.OriginalTo, "#") {
		b.WriteString(" [")
		b.WriteString(msg.OriginalTo)
		b.WriteString("]")
	}
	switch {
	case msg.Importance >= 2:
		b.WriteString(" [!!]")
	case msg.Importance == 1:
		b.WriteString(" [!]")
	}
	b.WriteString(": ")
	b.WriteString(parser.SanitizeForInjection(msg.Body))
	return b.String()
}
