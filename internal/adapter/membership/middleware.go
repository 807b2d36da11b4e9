package membership

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerMiddleware implements [DECORATOR_PATTERN] to shield the router from
// a failing external membership store without touching business logic.
type BreakerMiddleware struct {
	Next    Storer
	Breaker *gobreaker.CircuitBreaker
	Logger  *slog.Logger
}

var _ Storer = (*BreakerMiddleware)(nil)

// NewBreakerMiddleware wraps next with a circuit breaker. While the breaker
// is open, lookups return empty results and upserts are dropped, which
// degrades to live-members-only fan-out.
func NewBreakerMiddleware(next Storer, logger *slog.Logger) *BreakerMiddleware {
	return &BreakerMiddleware{
		Next:   next,
		Logger: logger,
		Breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "membership-store",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

func (m *BreakerMiddleware) Upsert(ctx context.Context, workspaceID, channel, member, action string) error {
	_, err := m.Breaker.Execute(func() (any, error) {
		return nil, m.Next.Upsert(ctx, workspaceID, channel, member, action)
	})
	if err != nil {
		m.Logger.Warn("MEMBERSHIP_UPSERT_DROPPED",
			"channel", channel,
			"member", member,
			"action", action,
			"err", err,
		)
	}
	return err
}

func (m *BreakerMiddleware) List(ctx context.Context, workspaceID, channel string) ([]string, error) {
	res, err := m.Breaker.Execute(func() (any, error) {
		return m.Next.List(ctx, workspaceID, channel)
	})
	if err != nil {
		m.Logger.Debug("MEMBERSHIP_LIST_FAILED", "channel", channel, "err", err)
		return nil, err
	}
	members, _ := res.([]string)
	return members, nil
}

func (m *BreakerMiddleware) ListForMember(ctx context.Context, workspaceID, member string) ([]string, error) {
	res, err := m.Breaker.Execute(func() (any, error) {
		return m.Next.ListForMember(ctx, workspaceID, member)
	})
	if err != nil {
		return nil, err
	}
	channels, _ := res.([]string)
	return channels, nil
}
