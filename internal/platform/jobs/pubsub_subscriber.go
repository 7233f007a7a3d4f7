package jobs

import (
	"context"
	"encoding/json"
	"errors"

	"cloud.google.com/go/pubsub"

	"github.com/makebelieve-imprints/api/internal/services"
)

// AccountingTaskSubscriber drains the accounting topic and hands each task
// to the accounting service. Malformed payloads and tasks the service
// rejects as invalid are acked so they never poison the subscription;
// transient failures are nacked for redelivery, which is safe because the
// ledger append is idempotent on the event id.
type AccountingTaskSubscriber struct {
	subscription *pubsub.Subscription
	accounting   services.AccountingService
	logger       func(ctx context.Context, event string, fields map[string]any)
}

// NewAccountingTaskSubscriber constructs a subscriber bound to the accounting subscription.
func NewAccountingTaskSubscriber(sub *pubsub.Subscription, accounting services.AccountingService, logger func(ctx context.Context, event string, fields map[string]any)) (*AccountingTaskSubscriber, error) {
	if sub == nil {
		return nil, errors.New("accounting subscriber: subscription is required")
	}
	if accounting == nil {
		return nil, errors.New("accounting subscriber: accounting service is required")
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &AccountingTaskSubscriber{
		subscription: sub,
		accounting:   accounting,
		logger:       logger,
	}, nil
}

// Run blocks receiving messages until ctx is cancelled or the subscription
// fails. Cancellation returns nil so graceful shutdown is not reported as
// an error.
func (s *AccountingTaskSubscriber) Run(ctx context.Context) error {
	err := s.subscription.Receive(ctx, s.handle)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *AccountingTaskSubscriber) handle(ctx context.Context, msg *pubsub.Message) {
	var task services.AccountingTaskMessage
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		s.logger(ctx, "jobs.accounting.decode.failed", map[string]any{
			"messageId": msg.ID,
			"error":     err.Error(),
		})
		msg.Ack()
		return
	}

	if err := s.accounting.Process(ctx, task); err != nil {
		if errors.Is(err, services.ErrAccountingInvalidInput) {
			s.logger(ctx, "jobs.accounting.task.invalid", map[string]any{
				"messageId": msg.ID,
				"orderId":   task.OrderID,
				"error":     err.Error(),
			})
			msg.Ack()
			return
		}
		s.logger(ctx, "jobs.accounting.task.failed", map[string]any{
			"messageId": msg.ID,
			"orderId":   task.OrderID,
			"eventId":   task.EventID,
			"error":     err.Error(),
		})
		msg.Nack()
		return
	}

	msg.Ack()
}
