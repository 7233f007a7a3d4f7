package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/makebelieve-imprints/api/internal/services"
)

// PubSubOrderEventPublisher emits order domain events to a Pub/Sub topic so
// downstream consumers (fulfilment dashboards, analytics) can react to
// status changes without polling the order store.
type PubSubOrderEventPublisher struct {
	events  *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubOrderEventPublisher constructs a Pub/Sub backed event publisher.
func NewPubSubOrderEventPublisher(events *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if events == nil {
		return nil, errors.New("pubsub event publisher: events topic is required")
	}
	return &PubSubOrderEventPublisher{
		events:  events,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderEvent emits a single order event. Callers treat failures as
// best-effort; the durable order write has already committed.
func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.events == nil {
		return errors.New("pubsub event publisher: not initialised")
	}

	data, err := p.marshal(orderEventEnvelope{
		Type:           event.Type,
		OrderID:        event.OrderID,
		OrderNumber:    event.OrderNumber,
		PreviousStatus: event.PreviousStatus,
		CurrentStatus:  event.CurrentStatus,
		ActorID:        event.ActorID,
		OccurredAt:     event.OccurredAt,
		Metadata:       event.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string, 3)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "status", event.CurrentStatus)

	result := p.events.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

type orderEventEnvelope struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	OrderNumber    string         `json:"orderNumber,omitempty"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus,omitempty"`
	ActorID        string         `json:"actorId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

var _ services.OrderEventPublisher = (*PubSubOrderEventPublisher)(nil)
