package repositories

import (
	"context"
	"time"

	domain "github.com/makebelieve-imprints/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Payments() PaymentRepository
	RefundRequests() RefundRequestRepository
	Ledger() LedgerRepository
	Invoices() InvoiceRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderMutator inspects and mutates an order inside a transaction. Returning
// an error aborts the transaction; the order is left untouched.
type OrderMutator func(order *domain.Order) error

// OrderRepository persists order headers and provides query helpers.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)

	// Mutate reads the order, applies fn, and writes the result as a single
	// atomic operation. Concurrent mutations of the same order serialise
	// against each other, so a status guard inside fn cannot go stale
	// between the read and the write.
	Mutate(ctx context.Context, orderID string, fn OrderMutator) (domain.Order, error)
}

// PaymentRepository stores the payment record attached to an order. Orders
// carry at most one payment; webhook retries overwrite the same document.
type PaymentRepository interface {
	Upsert(ctx context.Context, payment domain.Payment) (domain.Payment, error)
	FindByOrder(ctx context.Context, orderID string) (domain.Payment, error)
	FindByIntentID(ctx context.Context, intentID string) (domain.Payment, error)
}

// RefundRequestRepository stores customer-initiated refund petitions.
type RefundRequestRepository interface {
	Insert(ctx context.Context, req domain.RefundRequest) error
	Update(ctx context.Context, req domain.RefundRequest) error
	FindByID(ctx context.Context, requestID string) (domain.RefundRequest, error)
	FindPendingByOrder(ctx context.Context, orderID string) (domain.RefundRequest, error)
	ListByStatus(ctx context.Context, status domain.RefundRequestStatus, pager domain.Pagination) (domain.CursorPage[domain.RefundRequest], error)
}

// LedgerRepository appends accounting entries. Append is idempotent on the
// entry's EventID so webhook redeliveries never double-book.
type LedgerRepository interface {
	Append(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, bool, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.LedgerEntry, error)
}

// InvoiceRepository stores invoice metadata; the rendered document lives in
// Cloud Storage.
type InvoiceRepository interface {
	Insert(ctx context.Context, invoice domain.Invoice) error
	FindByOrder(ctx context.Context, orderID string) (domain.Invoice, error)
}

// CounterRepository provides transaction-safe sequence numbers (order and
// invoice numbering).
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// OrderListFilter controls order listings for the back office.
type OrderListFilter struct {
	UserID     string
	Status     []string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
