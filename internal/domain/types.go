package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage wraps a page of results together with the next page token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// Order captures the order header shared across services and handlers.
// Orders are never deleted; they only move through the status graph.
type Order struct {
	ID                 string
	OrderNumber        string
	UserID             string
	Status             OrderStatus
	Currency           string
	Totals             OrderTotals
	Items              []OrderLineItem
	ShippingAddress    *Address
	Metadata           map[string]any
	CreatedAt          time.Time
	UpdatedAt          time.Time
	PlacedAt           *time.Time
	PaymentConfirmedAt *time.Time
	PrintStartedAt     *time.Time
	ShippedAt          *time.Time
	DeliveredAt        *time.Time
	CancelledAt        *time.Time
	RefundedAt         *time.Time
	CancelReason       *string
	Audit              OrderAudit
}

// OrderTotals holds rolled-up monetary fields in the smallest currency unit.
type OrderTotals struct {
	Subtotal int64
	Discount int64
	Shipping int64
	Tax      int64
	Total    int64
}

// OrderLineItem mirrors the purchased print items at the time of checkout.
type OrderLineItem struct {
	ProductRef string
	SKU        string
	Name       string
	Options    map[string]any
	Quantity   int
	UnitPrice  int64
	Total      int64
}

// OrderAudit records the actors responsible for creating/updating the order.
type OrderAudit struct {
	CreatedBy *string
	UpdatedBy *string
}

// Address stores the shipping destination snapshot for an order.
type Address struct {
	Name       string
	Line1      string
	Line2      string
	City       string
	PostalCode string
	Country    string
}

// PaymentStatus enumerates the gateway's view of funds movement for an order.
type PaymentStatus string

const (
	// PaymentStatusPending indicates checkout started but funds have not cleared.
	PaymentStatusPending PaymentStatus = "PENDING"
	// PaymentStatusCompleted indicates the gateway confirmed the charge.
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	// PaymentStatusFailed indicates the checkout expired or the charge failed.
	PaymentStatusFailed PaymentStatus = "FAILED"
	// PaymentStatusRefunded indicates the charge was refunded in full.
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

// Payment is the one-to-one gateway record tied to an order. It is created or
// upserted only in response to webhook events once checkout begins.
type Payment struct {
	ID         string
	OrderID    string
	Provider   string
	IntentID   string
	ChargeID   string
	Status     PaymentStatus
	Amount     int64
	Currency   string
	PaidAt     *time.Time
	RefundedAt *time.Time
	FailReason *string
	Raw        map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RefundRequestStatus tracks the resolution of a customer refund request.
type RefundRequestStatus string

const (
	// RefundRequestPending indicates the request awaits gateway confirmation.
	RefundRequestPending RefundRequestStatus = "pending"
	// RefundRequestCompleted indicates the refund was reconciled from the gateway.
	RefundRequestCompleted RefundRequestStatus = "completed"
)

// RefundRequest records a customer- or staff-initiated refund awaiting the
// gateway's charge_refunded confirmation.
type RefundRequest struct {
	ID          string
	OrderID     string
	Reason      string
	Status      RefundRequestStatus
	RequestedBy string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// LedgerEntryKind distinguishes accounting entry directions.
type LedgerEntryKind string

const (
	// LedgerEntryIncome records funds received for an order.
	LedgerEntryIncome LedgerEntryKind = "income"
	// LedgerEntryRefund records funds returned for an order.
	LedgerEntryRefund LedgerEntryKind = "refund"
)

// LedgerEntry is a best-effort accounting record created from webhook
// reconciliation. Missing entries are reconstructed by back-office jobs.
type LedgerEntry struct {
	ID        string
	OrderID   string
	Kind      LedgerEntryKind
	Amount    int64
	Currency  string
	EventID   string
	Reference string
	CreatedAt time.Time
}

// Invoice stores invoice metadata for a paid order. The rendered document is
// archived separately in object storage.
type Invoice struct {
	ID          string
	OrderID     string
	Number      string
	Amount      int64
	Currency    string
	DocumentRef string
	IssuedAt    time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
