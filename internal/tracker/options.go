package tracker

import "time"

type Option func(*Tracker)

// WithAckTimeout sets the per-attempt ACK deadline.
func WithAckTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.ackTimeout = d
		}
	}
}

// WithMaxAttempts caps total sends per delivery, first attempt included.
func WithMaxAttempts(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxAttempts = n
		}
	}
}

// WithTTL bounds the whole delivery lifetime from first attempt.
func WithTTL(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.ttl = d
		}
	}
}

// WithMaxInflight caps unacked deliveries per connection.
func WithMaxInflight(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxInflight = n
		}
	}
}

// WithScanInterval tunes the retry scan period. Tests shrink it.
func WithScanInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.scanInterval = d
		}
	}
}

// WithRetransmit wires the send path at construction time.
func WithRetransmit(fn RetransmitFunc) Option {
	return func(t *Tracker) {
		if fn != nil {
			t.retransmit = fn
		}
	}
}

// WithOnFailed wires the dead-letter hook.
func WithOnFailed(fn FailedFunc) Option {
	return func(t *Tracker) {
		if fn != nil {
			t.onFailed = fn
		}
	}
}
