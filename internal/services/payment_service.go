package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/makebelieve-imprints/api/internal/domain"
	"github.com/makebelieve-imprints/api/internal/payments"
	"github.com/makebelieve-imprints/api/internal/platform/breaker"
	"github.com/makebelieve-imprints/api/internal/repositories"
)

const (
	refundRequestIDPrefix = "rfn_"

	notificationTemplateInvoice        = "order_invoice"
	notificationTemplateRefundComplete = "refund_complete"

	// gatewayBreakerName is the breaker guarding outbound gateway calls.
	gatewayBreakerName = "stripe"
)

var (
	// ErrPaymentInvalidInput signals the caller provided invalid data.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentNotFound indicates no payment record exists for the order.
	ErrPaymentNotFound = errors.New("payment: not found")
	// ErrPaymentInvalidState indicates the payment or order state forbids the operation.
	ErrPaymentInvalidState = errors.New("payment: invalid state")
	// ErrMissingCorrelationID indicates a checkout event arrived without the
	// order correlation metadata. This is a data-integrity failure, not a
	// business no-op; the sender must retry after the storefront is fixed.
	ErrMissingCorrelationID = errors.New("payment: missing order correlation id")

	// errReconcileSkip aborts a reconciliation mutation without a write.
	errReconcileSkip = errors.New("payment: event already reconciled")
)

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Orders         repositories.OrderRepository
	Payments       repositories.PaymentRepository
	RefundRequests repositories.RefundRequestRepository
	Tasks          TaskPublisher
	Gateway        payments.Provider
	Breakers       *breaker.Registry
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	orders         repositories.OrderRepository
	payments       repositories.PaymentRepository
	refundRequests repositories.RefundRequestRepository
	tasks          TaskPublisher
	gateway        payments.Provider
	breakers       *breaker.Registry
	clock          func() time.Time
	newID          func() string
	logger         func(context.Context, string, map[string]any)
}

var _ PaymentService = (*paymentService)(nil)

// NewPaymentService wires dependencies into a concrete PaymentService implementation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("payment service: payment repository is required")
	}
	if deps.RefundRequests == nil {
		return nil, errors.New("payment service: refund request repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &paymentService{
		orders:         deps.Orders,
		payments:       deps.Payments,
		refundRequests: deps.RefundRequests,
		tasks:          deps.Tasks,
		gateway:        deps.Gateway,
		breakers:       deps.Breakers,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Reconcile applies one verified gateway event. Errors returned here cause
// the webhook handler to answer with a retryable failure; business no-ops
// (duplicate delivery, unpaid session, unmatched record) return nil so the
// sender stops redelivering.
func (s *paymentService) Reconcile(ctx context.Context, event payments.Event) error {
	switch e := event.(type) {
	case payments.CheckoutCompleted:
		return s.reconcileCheckoutCompleted(ctx, e)
	case payments.CheckoutExpired:
		return s.reconcileCheckoutExpired(ctx, e)
	case payments.PaymentSucceeded:
		return s.reconcileIntentUpdate(ctx, e.EventID(), e.OrderID, e.IntentID, domain.PaymentStatusCompleted, "")
	case payments.PaymentFailed:
		return s.reconcileIntentUpdate(ctx, e.EventID(), e.OrderID, e.IntentID, domain.PaymentStatusFailed, e.FailureReason)
	case payments.ChargeRefunded:
		return s.reconcileChargeRefunded(ctx, e)
	case payments.UnknownEvent:
		s.logger(ctx, "payment.reconcile.unknown_event", map[string]any{
			"eventId": e.EventID(),
			"type":    e.Type,
		})
		return nil
	default:
		s.logger(ctx, "payment.reconcile.unhandled_variant", map[string]any{
			"eventId": event.EventID(),
		})
		return nil
	}
}

func (s *paymentService) reconcileCheckoutCompleted(ctx context.Context, e payments.CheckoutCompleted) error {
	if e.OrderID == "" {
		return fmt.Errorf("%w: event %s", ErrMissingCorrelationID, e.EventID())
	}
	if !e.Paid() {
		s.logger(ctx, "payment.reconcile.unpaid_session", map[string]any{
			"eventId":       e.EventID(),
			"orderId":       e.OrderID,
			"paymentStatus": e.PaymentStatus,
		})
		return nil
	}

	now := s.clock()

	// Phase one: the status guard and the transition share a transaction,
	// so a duplicate delivery racing this one loses cleanly. The guard is
	// the status graph itself: payment_confirmed is only reachable from
	// pending, so a delivery landing on a cancelled, requested-cancel or
	// further-progressed order skips without a write.
	var observed domain.OrderStatus
	_, err := s.orders.Mutate(ctx, e.OrderID, func(order *domain.Order) error {
		observed = order.Status
		if order.Status == domain.OrderStatusPaymentConfirmed {
			// Transition already durable; carry on so the payment write
			// below converges when an earlier delivery crashed after it.
			return nil
		}
		if err := domain.ValidateTransition(order.Status, domain.OrderStatusPaymentConfirmed); err != nil {
			return errReconcileSkip
		}
		order.Status = domain.OrderStatusPaymentConfirmed
		order.PaymentConfirmedAt = &now
		order.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errReconcileSkip) {
		s.logger(ctx, "payment.reconcile.completed_skipped", map[string]any{
			"eventId": e.EventID(),
			"orderId": e.OrderID,
			"status":  string(observed),
		})
		return nil
	}
	if err != nil {
		return s.mapRepositoryError(err)
	}

	paidAt := e.CompletedAt
	if paidAt.IsZero() {
		paidAt = now
	}
	// The payment upsert overwrites the same order-keyed document, so a
	// redelivered event that failed between the transition and this write
	// converges on retry: the mutator above passes payment_confirmed through.
	if _, err := s.payments.Upsert(ctx, domain.Payment{
		OrderID:   e.OrderID,
		Provider:  "stripe",
		IntentID:  e.IntentID,
		Status:    domain.PaymentStatusCompleted,
		Amount:    e.AmountTotal,
		Currency:  e.Currency,
		PaidAt:    &paidAt,
		Raw:       e.Raw,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return s.mapRepositoryError(err)
	}

	// Phase two is best effort. The payment-critical writes are durable;
	// queue failures must not trigger a redelivery storm.
	s.queueAccountingTask(ctx, AccountingTaskMessage{
		OrderID:  e.OrderID,
		Kind:     AccountingTaskIncome,
		EventID:  e.EventID(),
		Amount:   e.AmountTotal,
		Currency: e.Currency,
		Email:    e.CustomerEmail,
		QueuedAt: now,
	})
	s.queueNotificationTask(ctx, NotificationTaskMessage{
		OrderID:  e.OrderID,
		Template: notificationTemplateInvoice,
		Email:    e.CustomerEmail,
		QueuedAt: now,
	})

	return nil
}

func (s *paymentService) reconcileCheckoutExpired(ctx context.Context, e payments.CheckoutExpired) error {
	if e.OrderID == "" {
		return fmt.Errorf("%w: event %s", ErrMissingCorrelationID, e.EventID())
	}

	now := s.clock()
	reason := "checkout session expired"

	_, err := s.orders.Mutate(ctx, e.OrderID, func(order *domain.Order) error {
		if order.Status == domain.OrderStatusCancelled {
			// Cancel already durable; carry on so a payment row an
			// earlier delivery left pending still gets failed below.
			return nil
		}
		if order.Status != domain.OrderStatusPending {
			return errReconcileSkip
		}
		order.Status = domain.OrderStatusCancelled
		order.CancelledAt = &now
		order.CancelReason = &reason
		order.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errReconcileSkip) {
		s.logger(ctx, "payment.reconcile.expiry_already_handled", map[string]any{
			"eventId": e.EventID(),
			"orderId": e.OrderID,
		})
		return nil
	}
	if err != nil {
		return s.mapRepositoryError(err)
	}

	// Mark any pending payment row failed. Payment rows only exist once
	// checkout begins; absence means there is nothing to reconcile. A
	// failure here is retryable: the cancelled branch of the mutator lets
	// the redelivered event reach this write again.
	payment, err := s.payments.FindByOrder(ctx, e.OrderID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return s.mapRepositoryError(err)
	}
	if payment.Status == domain.PaymentStatusPending {
		payment.Status = domain.PaymentStatusFailed
		payment.UpdatedAt = now
		if _, err := s.payments.Upsert(ctx, payment); err != nil {
			return s.mapRepositoryError(err)
		}
	}
	return nil
}

// reconcileIntentUpdate handles the lower-level intent events, which touch
// only the payment row. A missing correlation id is tolerated because these
// events can originate from gateway activity unrelated to an order.
func (s *paymentService) reconcileIntentUpdate(ctx context.Context, eventID, orderID, intentID string, status domain.PaymentStatus, failReason string) error {
	if orderID == "" {
		s.logger(ctx, "payment.reconcile.uncorrelated_intent_event", map[string]any{
			"eventId":       eventID,
			"paymentIntent": intentID,
		})
		return nil
	}

	now := s.clock()
	payment, err := s.payments.FindByOrder(ctx, orderID)
	if err != nil {
		if isNotFound(err) {
			payment = domain.Payment{
				OrderID:   orderID,
				Provider:  "stripe",
				CreatedAt: now,
			}
		} else {
			return s.mapRepositoryError(err)
		}
	}

	payment.Status = status
	payment.UpdatedAt = now
	if intentID != "" {
		payment.IntentID = intentID
	}
	if status == domain.PaymentStatusCompleted && payment.PaidAt == nil {
		payment.PaidAt = &now
	}
	if failReason != "" {
		payment.FailReason = &failReason
	}

	if _, err := s.payments.Upsert(ctx, payment); err != nil {
		return s.mapRepositoryError(err)
	}
	return nil
}

func (s *paymentService) reconcileChargeRefunded(ctx context.Context, e payments.ChargeRefunded) error {
	payment, err := s.payments.FindByIntentID(ctx, e.IntentID)
	if err != nil {
		if isNotFound(err) {
			s.logger(ctx, "payment.reconcile.refund_unmatched", map[string]any{
				"eventId":       e.EventID(),
				"paymentIntent": e.IntentID,
			})
			return nil
		}
		return s.mapRepositoryError(err)
	}
	now := s.clock()

	// The duplicate guard spans both rows: the event is only a no-op once
	// the order transition AND the payment row are durable. A crash between
	// the two writes therefore converges on redelivery, whichever write
	// landed first.
	_, err = s.orders.Mutate(ctx, payment.OrderID, func(order *domain.Order) error {
		if order.Status == domain.OrderStatusRefunded {
			if payment.Status == domain.PaymentStatusRefunded {
				return errReconcileSkip
			}
			return nil
		}
		order.Status = domain.OrderStatusRefunded
		order.RefundedAt = &now
		order.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errReconcileSkip) {
		s.logger(ctx, "payment.reconcile.refund_duplicate", map[string]any{
			"eventId": e.EventID(),
			"orderId": payment.OrderID,
		})
		return nil
	}
	if err != nil {
		return s.mapRepositoryError(err)
	}

	if payment.Status != domain.PaymentStatusRefunded {
		payment.Status = domain.PaymentStatusRefunded
		payment.RefundedAt = &now
		payment.UpdatedAt = now
		if _, err := s.payments.Upsert(ctx, payment); err != nil {
			return s.mapRepositoryError(err)
		}
	}

	if request, err := s.refundRequests.FindPendingByOrder(ctx, payment.OrderID); err == nil {
		request.Status = domain.RefundRequestCompleted
		request.CompletedAt = &now
		if err := s.refundRequests.Update(ctx, request); err != nil {
			s.logger(ctx, "payment.reconcile.refund_request_update_failed", map[string]any{
				"eventId":   e.EventID(),
				"orderId":   payment.OrderID,
				"requestId": request.ID,
				"error":     err.Error(),
			})
		}
	} else if !isNotFound(err) {
		s.logger(ctx, "payment.reconcile.refund_request_lookup_failed", map[string]any{
			"eventId": e.EventID(),
			"orderId": payment.OrderID,
			"error":   err.Error(),
		})
	}

	s.queueAccountingTask(ctx, AccountingTaskMessage{
		OrderID:   payment.OrderID,
		PaymentID: payment.ID,
		Kind:      AccountingTaskRefund,
		EventID:   e.EventID(),
		Amount:    e.AmountRefunded,
		Currency:  e.Currency,
		QueuedAt:  now,
	})
	s.queueNotificationTask(ctx, NotificationTaskMessage{
		OrderID:  payment.OrderID,
		Template: notificationTemplateRefundComplete,
		QueuedAt: now,
	})

	return nil
}

func (s *paymentService) GetPayment(ctx context.Context, orderID string) (domain.Payment, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Payment{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}
	payment, err := s.payments.FindByOrder(ctx, orderID)
	if err != nil {
		if isNotFound(err) {
			return domain.Payment{}, fmt.Errorf("%w: order %s", ErrPaymentNotFound, orderID)
		}
		return domain.Payment{}, s.mapRepositoryError(err)
	}
	return payment, nil
}

// IssueRefund records a pending refund petition and asks the gateway to
// refund the payment. The order itself stays in its current status until
// the charge_refunded webhook confirms the funds moved.
func (s *paymentService) IssueRefund(ctx context.Context, cmd IssueRefundCommand) (domain.RefundRequest, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.RefundRequest{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}
	if s.gateway == nil {
		return domain.RefundRequest{}, errors.New("payment service: gateway not configured")
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.RefundRequest{}, s.mapRepositoryError(err)
	}
	if !domain.CanBeRefunded(order.Status) {
		return domain.RefundRequest{}, fmt.Errorf("%w: order status %q cannot be refunded", ErrPaymentInvalidState, order.Status)
	}

	payment, err := s.payments.FindByOrder(ctx, orderID)
	if err != nil {
		if isNotFound(err) {
			return domain.RefundRequest{}, fmt.Errorf("%w: order %s", ErrPaymentNotFound, orderID)
		}
		return domain.RefundRequest{}, s.mapRepositoryError(err)
	}
	if payment.Status != domain.PaymentStatusCompleted {
		return domain.RefundRequest{}, fmt.Errorf("%w: payment status %q is not refundable", ErrPaymentInvalidState, payment.Status)
	}

	if pending, err := s.refundRequests.FindPendingByOrder(ctx, orderID); err == nil {
		return pending, nil
	} else if !isNotFound(err) {
		return domain.RefundRequest{}, s.mapRepositoryError(err)
	}

	now := s.clock()
	request := domain.RefundRequest{
		ID:          refundRequestIDPrefix + s.newID(),
		OrderID:     orderID,
		Reason:      strings.TrimSpace(cmd.Reason),
		Status:      domain.RefundRequestPending,
		RequestedBy: strings.TrimSpace(cmd.ActorID),
		CreatedAt:   now,
	}
	if err := s.refundRequests.Insert(ctx, request); err != nil {
		return domain.RefundRequest{}, s.mapRepositoryError(err)
	}

	refund := func(ctx context.Context) error {
		_, err := s.gateway.Refund(ctx, payments.RefundRequest{
			IntentID:       payment.IntentID,
			Amount:         cmd.Amount,
			Reason:         cmd.Reason,
			IdempotencyKey: request.ID,
			Metadata:       map[string]string{payments.OrderIDMetadataKey: orderID},
		})
		return err
	}
	if s.breakers != nil {
		err = s.breakers.Call(ctx, gatewayBreakerName, refund, nil)
	} else {
		err = refund(ctx)
	}
	if err != nil {
		// The petition stays pending; staff retry once the gateway recovers.
		return domain.RefundRequest{}, fmt.Errorf("payment: gateway refund failed: %w", err)
	}

	return request, nil
}

func (s *paymentService) queueAccountingTask(ctx context.Context, task AccountingTaskMessage) {
	if s.tasks == nil {
		return
	}
	if _, err := s.tasks.PublishAccountingTask(ctx, task); err != nil {
		s.logger(ctx, "payment.accounting_task.publish_failed", map[string]any{
			"orderId": task.OrderID,
			"kind":    task.Kind,
			"eventId": task.EventID,
			"error":   err.Error(),
		})
	}
}

func (s *paymentService) queueNotificationTask(ctx context.Context, task NotificationTaskMessage) {
	if s.tasks == nil {
		return
	}
	if _, err := s.tasks.PublishNotificationTask(ctx, task); err != nil {
		s.logger(ctx, "payment.notification_task.publish_failed", map[string]any{
			"orderId":  task.OrderID,
			"template": task.Template,
			"error":    err.Error(),
		})
	}
}

func (s *paymentService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("payment: repository unavailable: %w", err)
		}
	}

	return err
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
