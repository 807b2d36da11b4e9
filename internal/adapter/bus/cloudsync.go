package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaymesh/agent-relay/internal/domain/event"
	"github.com/relaymesh/agent-relay/pkg/wire"
	"github.com/sony/gobreaker"
)

// CloudSyncer is the outbound hook the daemon calls on agent up/down
// transitions. The daemon debounces calls; implementations only ship.
type CloudSyncer interface {
	UpdateAgents(ctx context.Context, agents []wire.AgentInfo) error
}

// BusCloudSync publishes roster updates onto the event bus, where an external
// uplink process picks them up. A circuit breaker sheds publishes when the
// subscriber side is persistently failing so the daemon never queues unbounded
// roster churn.
type BusCloudSync struct {
	dispatcher EventDispatcher
	breaker    *gobreaker.CircuitBreaker
	log        *slog.Logger
}

var _ CloudSyncer = (*BusCloudSync)(nil)

func NewBusCloudSync(dispatcher EventDispatcher, log *slog.Logger) *BusCloudSync {
	return &BusCloudSync{
		dispatcher: dispatcher,
		log:        log,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "cloud-sync",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (s *BusCloudSync) UpdateAgents(ctx context.Context, agents []wire.AgentInfo) error {
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.dispatcher.Publish(ctx, event.NewAgentsUpdated(agents))
	})
	if err != nil {
		// [NON_FATAL] Cloud sync is advisory; routing never depends on it.
		s.log.Warn("cloud sync update dropped", slog.Int("agents", len(agents)), slog.Any("error", err))
	}
	return err
}

// NoopCloudSync disables the uplink entirely.
type NoopCloudSync struct{}

var _ CloudSyncer = (*NoopCloudSync)(nil)

func (NoopCloudSync) UpdateAgents(context.Context, []wire.AgentInfo) error { return nil }
