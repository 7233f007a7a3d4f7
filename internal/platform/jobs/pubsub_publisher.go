package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/makebelieve-imprints/api/internal/services"
)

// PubSubTaskPublisher publishes order follow-up tasks to Pub/Sub topics.
// Accounting work (ledger entries, invoices) and customer notifications go
// to separate topics so their consumers can scale independently.
type PubSubTaskPublisher struct {
	accounting    *pubsub.Topic
	notifications *pubsub.Topic
	marshal       func(any) ([]byte, error)
}

// NewPubSubTaskPublisher constructs a Pub/Sub backed task publisher.
func NewPubSubTaskPublisher(accounting, notifications *pubsub.Topic) (*PubSubTaskPublisher, error) {
	if accounting == nil {
		return nil, errors.New("pubsub task publisher: accounting topic is required")
	}
	if notifications == nil {
		return nil, errors.New("pubsub task publisher: notifications topic is required")
	}
	return &PubSubTaskPublisher{
		accounting:    accounting,
		notifications: notifications,
		marshal:       json.Marshal,
	}, nil
}

// PublishAccountingTask enqueues a ledger/invoice task for the order.
func (p *PubSubTaskPublisher) PublishAccountingTask(ctx context.Context, message services.AccountingTaskMessage) (string, error) {
	if p == nil || p.accounting == nil {
		return "", errors.New("pubsub task publisher: not initialised")
	}
	return p.publish(ctx, p.accounting, message, map[string]string{
		"orderId": message.OrderID,
		"kind":    message.Kind,
		"eventId": message.EventID,
	})
}

// PublishNotificationTask enqueues a customer email task for the order.
func (p *PubSubTaskPublisher) PublishNotificationTask(ctx context.Context, message services.NotificationTaskMessage) (string, error) {
	if p == nil || p.notifications == nil {
		return "", errors.New("pubsub task publisher: not initialised")
	}
	return p.publish(ctx, p.notifications, message, map[string]string{
		"orderId":  message.OrderID,
		"template": message.Template,
	})
}

func (p *PubSubTaskPublisher) publish(ctx context.Context, topic *pubsub.Topic, message any, attrs map[string]string) (string, error) {
	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}

	cleaned := make(map[string]string, len(attrs))
	for key, value := range attrs {
		setAttr(cleaned, key, value)
	}

	result := topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: cleaned,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish task: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
