package relay

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/relaymesh/agent-relay/pkg/wire"
	"golang.org/x/time/rate"
)

// Reconnect policy defaults.
const (
	defaultBackoffBase   = time.Second
	defaultBackoffCap    = 30 * time.Second
	defaultBackoffFactor = 2.0
	defaultMaxAttempts   = 10
	defaultHelloTimeout  = 5 * time.Second
)

type options struct {
	socketPath       string
	agentName        string
	entityType       string
	cli              string
	role             string
	task             string
	workingDirectory string
	displayName      string
	systemComponent  bool
	resumeToken      string

	mode        wire.Mode
	codec       wire.Codec
	maxInflight int

	backoffBase  time.Duration
	backoffCap   time.Duration
	maxAttempts  int
	helloTimeout time.Duration

	logLimit *rate.Limiter
	log      *slog.Logger
	dial     func(ctx context.Context) (net.Conn, error)
}

type Option func(*options)

// WithSocketPath overrides the daemon socket location.
func WithSocketPath(path string) Option {
	return func(o *options) { o.socketPath = path }
}

// WithEntityType marks the identity as "agent" or "user".
func WithEntityType(t string) Option {
	return func(o *options) { o.entityType = t }
}

// WithCLI records which CLI binary backs this agent.
func WithCLI(cli string) Option {
	return func(o *options) { o.cli = cli }
}

// WithRole sets the advertised role.
func WithRole(role string) Option {
	return func(o *options) { o.role = role }
}

// WithTask sets the advertised task description.
func WithTask(task string) Option {
	return func(o *options) { o.task = task }
}

// WithWorkingDirectory records the worker's cwd for dashboards.
func WithWorkingDirectory(dir string) Option {
	return func(o *options) { o.workingDirectory = dir }
}

// WithDisplayName sets a human-facing name distinct from the wire identity.
func WithDisplayName(name string) Option {
	return func(o *options) { o.displayName = name }
}

// AsSystemComponent allows claiming reserved names.
func AsSystemComponent() Option {
	return func(o *options) { o.systemComponent = true }
}

// WithResumeToken seeds the first HELLO with a stored token.
func WithResumeToken(token string) Option {
	return func(o *options) { o.resumeToken = token }
}

// WithV2Framing switches egress to the tagged framing with the given codec.
func WithV2Framing(codec wire.Codec) Option {
	return func(o *options) {
		o.mode = wire.ModeV2
		if codec != nil {
			o.codec = codec
		}
	}
}

// WithMaxInflight advertises the inbound delivery window at HELLO.
func WithMaxInflight(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxInflight = n
		}
	}
}

// WithBackoff tunes the reconnect schedule.
func WithBackoff(base, cap time.Duration, maxAttempts int) Option {
	return func(o *options) {
		if base > 0 {
			o.backoffBase = base
		}
		if cap > 0 {
			o.backoffCap = cap
		}
		if maxAttempts > 0 {
			o.maxAttempts = maxAttempts
		}
	}
}

// WithHelloTimeout bounds the HELLO->WELCOME exchange.
func WithHelloTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.helloTimeout = d
		}
	}
}

// WithLogger sets the client's own logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithLogShedding caps LOG envelopes per second; excess is dropped locally
// before it can crowd out message traffic.
func WithLogShedding(perSecond float64, burst int) Option {
	return func(o *options) {
		o.logLimit = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithDialer replaces the socket dialer. Tests use net.Pipe here.
func WithDialer(dial func(ctx context.Context) (net.Conn, error)) Option {
	return func(o *options) { o.dial = dial }
}
