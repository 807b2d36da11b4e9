package registry

import "time"

// Option defines a functional configuration type for the Registry.
type Option func(*Registry)

// WithStateDir enables snapshot files under dir. Empty disables them.
func WithStateDir(dir string) Option {
	return func(r *Registry) {
		r.stateDir = dir
	}
}

// WithOnlineWindow overrides the freshness threshold for "online".
func WithOnlineWindow(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.onlineWindow = d
		}
	}
}

// WithMaxAgents caps concurrently connected identities. Zero means unlimited.
func WithMaxAgents(n int) Option {
	return func(r *Registry) {
		r.maxAgents = n
	}
}

// WithClock injects a time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}
