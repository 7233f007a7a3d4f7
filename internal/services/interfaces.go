package services

import (
	"context"
	"time"

	domain "github.com/makebelieve-imprints/api/internal/domain"
	"github.com/makebelieve-imprints/api/internal/payments"
	"github.com/makebelieve-imprints/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	OrderListFilter    = repositories.OrderListFilter
	Payment            = domain.Payment
	RefundRequest      = domain.RefundRequest
	LedgerEntry        = domain.LedgerEntry
	Invoice            = domain.Invoice
	SystemHealthReport = domain.SystemHealthReport
)

// OrderStatusTransitionCommand drives an administrative status change.
// Updates carries auxiliary field writes (cancel reason, metadata notes)
// persisted in the same transaction as the status.
type OrderStatusTransitionCommand struct {
	OrderID string
	Target  domain.OrderStatus
	Force   bool
	Reason  string
	Updates map[string]any
	ActorID string
}

// OrderTransitionResult reports the outcome of a transition request.
// Changed is false when the target equalled the current status and no
// write occurred.
type OrderTransitionResult struct {
	Order          domain.Order
	PreviousStatus domain.OrderStatus
	NewStatus      domain.OrderStatus
	Changed        bool
}

// RequestCancellationCommand is the storefront's cancellation petition.
type RequestCancellationCommand struct {
	OrderID string
	Reason  string
	ActorID string
}

// OrderService exposes order reads and the status state machine.
type OrderService interface {
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (OrderTransitionResult, error)
	RequestCancellation(ctx context.Context, cmd RequestCancellationCommand) (domain.Order, error)
}

// IssueRefundCommand triggers a gateway refund for an order's payment. The
// order only moves to refunded when the gateway's charge_refunded event
// reconciles; this command records the pending petition and calls out.
type IssueRefundCommand struct {
	OrderID string
	Amount  *int64
	Reason  string
	ActorID string
}

// PaymentService reconciles gateway webhook events and serves payment reads.
type PaymentService interface {
	Reconcile(ctx context.Context, event payments.Event) error
	GetPayment(ctx context.Context, orderID string) (domain.Payment, error)
	IssueRefund(ctx context.Context, cmd IssueRefundCommand) (domain.RefundRequest, error)
}

// AccountingService applies queued accounting tasks: ledger entries,
// invoice issuance, and document archiving. It also serves invoice
// lookups for the back office.
type AccountingService interface {
	Process(ctx context.Context, task AccountingTaskMessage) error
	InvoiceForOrder(ctx context.Context, orderID string) (InvoiceDownload, error)
}

// InvoiceDownload pairs an issued invoice with a short-lived URL for the
// archived document. The URL is empty when no signer is configured.
type InvoiceDownload struct {
	Invoice     Invoice
	DownloadURL string
}

// SystemService provides operational metadata for health endpoints.
type SystemService interface {
	HealthReport(ctx context.Context) (domain.SystemHealthReport, error)
}

// Accounting task kinds mirror the ledger entry kinds they produce.
const (
	AccountingTaskIncome = string(domain.LedgerEntryIncome)
	AccountingTaskRefund = string(domain.LedgerEntryRefund)
)

// AccountingTaskMessage is the phase-two accounting payload published after
// a reconciliation commits. EventID keys ledger idempotency.
type AccountingTaskMessage struct {
	OrderID   string    `json:"orderId"`
	PaymentID string    `json:"paymentId,omitempty"`
	Kind      string    `json:"kind"`
	EventID   string    `json:"eventId"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Email     string    `json:"email,omitempty"`
	QueuedAt  time.Time `json:"queuedAt"`
}

// NotificationTaskMessage is a queued customer email task.
type NotificationTaskMessage struct {
	OrderID  string    `json:"orderId"`
	Template string    `json:"template"`
	Email    string    `json:"email,omitempty"`
	QueuedAt time.Time `json:"queuedAt"`
}

// TaskPublisher enqueues best-effort follow-up work. Publish failures are
// logged by callers and never abort the durable phase-one writes.
type TaskPublisher interface {
	PublishAccountingTask(ctx context.Context, message AccountingTaskMessage) (string, error)
	PublishNotificationTask(ctx context.Context, message NotificationTaskMessage) (string, error)
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderNumber    string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
