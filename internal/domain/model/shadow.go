package model

import "strings"

// SpeakOn enumerates the traffic classes a shadow asks to observe.
type SpeakOn string

const (
	SpeakAllMessages   SpeakOn = "ALL_MESSAGES"
	SpeakCodeWritten   SpeakOn = "CODE_WRITTEN"
	SpeakReviewRequest SpeakOn = "REVIEW_REQUEST"
	SpeakSessionEnd    SpeakOn = "SESSION_END"
	SpeakExplicitAsk   SpeakOn = "EXPLICIT_ASK"
)

// ShadowBinding is a directed relation shadow -> primary. The shadow receives
// copies of the primary's traffic that match its direction flags and remains
// free to send its own messages.
type ShadowBinding struct {
	Shadow          string
	Primary         string
	SpeakOn         map[SpeakOn]struct{}
	ReceiveIncoming bool
	ReceiveOutgoing bool
}

// NewShadowBinding normalizes the wire form into a binding.
func NewShadowBinding(shadow, primary string, speakOn []string, incoming, outgoing bool) *ShadowBinding {
	b := &ShadowBinding{
		Shadow:          shadow,
		Primary:         primary,
		SpeakOn:         make(map[SpeakOn]struct{}, len(speakOn)),
		ReceiveIncoming: incoming,
		ReceiveOutgoing: outgoing,
	}
	for _, s := range speakOn {
		b.SpeakOn[SpeakOn(strings.ToUpper(s))] = struct{}{}
	}
	return b
}

// Permits reports whether the binding's speakOn set covers the given class.
// ALL_MESSAGES subsumes every other class.
func (b *ShadowBinding) Permits(class SpeakOn) bool {
	if len(b.SpeakOn) == 0 {
		return false
	}
	if _, ok := b.SpeakOn[SpeakAllMessages]; ok {
		return true
	}
	_, ok := b.SpeakOn[class]
	return ok
}
