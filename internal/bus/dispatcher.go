package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/event"
)

// Dispatcher defines the high-level contract for outgoing events.
// This allows handlers to stay agnostic of the transport implementation.
type Dispatcher interface {
	// PublishEvent marshals and sends a domain event, partitioned by key.
	PublishEvent(ctx context.Context, topic, key string, ev event.Encoder) error
	// PublishRaw forwards pre-encoded bytes: the relay path, where the
	// payload was frozen at outbox-write time.
	PublishRaw(ctx context.Context, topic, key, eventType string, payload []byte) error
	Publisher() message.Publisher
}

// eventDispatcher is the concrete implementation (private).
type eventDispatcher struct {
	publisher message.Publisher
	logger    *slog.Logger
}

// NewDispatcher returns the interface instead of the pointer to the struct.
func NewDispatcher(b Bus, logger *slog.Logger) Dispatcher {
	return &eventDispatcher{publisher: b.Publisher(), logger: logger}
}

func (d *eventDispatcher) PublishEvent(ctx context.Context, topic, key string, ev event.Encoder) error {
	if ev == nil {
		return fmt.Errorf("event dispatcher: cannot publish nil event")
	}

	payload, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("event dispatcher: marshal failure: %w", err)
	}
	return d.PublishRaw(ctx, topic, key, eventTypeOf(ev), payload)
}

func (d *eventDispatcher) PublishRaw(ctx context.Context, topic, key, eventType string, payload []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(PartitionKeyMetadata, key)
	if eventType != "" {
		msg.Metadata.Set(EventTypeMetadata, eventType)
	}

	if err := d.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("event dispatcher: failed to publish to topic %s: %w", topic, err)
	}

	d.logger.Debug("EVENT_PUBLISHED",
		"topic", topic,
		"key", key,
		"event_type", eventType,
		"msg_id", msg.UUID,
	)
	return nil
}

func (d *eventDispatcher) Publisher() message.Publisher { return d.publisher }

func eventTypeOf(ev event.Encoder) string {
	switch e := ev.(type) {
	case *event.DeliveryEvent:
		return string(e.EventType)
	case *event.OrchestrationEvent:
		return string(e.Kind)
	}
	return ""
}
