// Package bus carries daemon-internal events over an in-process watermill
// Pub/Sub. External collaborators (cloud sync, dashboards) subscribe to the
// topics in internal/domain/event without touching the routing hot path.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/relaymesh/agent-relay/internal/domain/event"
)

// EventDispatcher defines the high-level contract for outgoing events.
// This allows the router to stay agnostic of the transport implementation.
type EventDispatcher interface {
	Publish(ctx context.Context, ev event.Eventer) error
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
	Close() error
}

type eventDispatcher struct {
	pubsub *gochannel.GoChannel
	log    *slog.Logger
}

var _ EventDispatcher = (*eventDispatcher)(nil)

// NewEventDispatcher builds a buffered in-process Pub/Sub. Slow subscribers
// never block publishers; the buffer absorbs bursts and overflow is dropped
// by watermill when a subscriber goes away.
func NewEventDispatcher(log *slog.Logger) EventDispatcher {
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            256,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewSlogLogger(log),
	)
	return &eventDispatcher{pubsub: pubsub, log: log}
}

func (d *eventDispatcher) Publish(ctx context.Context, ev event.Eventer) error {
	if ev == nil {
		return fmt.Errorf("event dispatcher: cannot publish nil event")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("event dispatcher: marshal failure: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)

	if err := d.pubsub.Publish(ev.GetTopic(), msg); err != nil {
		return fmt.Errorf("event dispatcher: failed to publish to topic %s: %w", ev.GetTopic(), err)
	}
	return nil
}

func (d *eventDispatcher) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return d.pubsub.Subscribe(ctx, topic)
}

func (d *eventDispatcher) Close() error {
	return d.pubsub.Close()
}
