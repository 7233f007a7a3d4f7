package payments

import (
	"context"
	"time"
)

// Status enumerates the normalised payment states reported by the gateway.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or gateway confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the gateway reports the payment as successfully captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the gateway reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusRefunded indicates the payment has been fully refunded.
	StatusRefunded Status = "refunded"
)

// RefundRequest defines a gateway refund attempt.
type RefundRequest struct {
	IntentID       string
	Amount         *int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// LookupRequest fetches gateway-side payment details for reconciliation.
type LookupRequest struct {
	IntentID string
}

// PaymentDetails normalises gateway-specific fields for storage.
type PaymentDetails struct {
	Provider   string
	IntentID   string
	Status     Status
	Amount     int64
	Currency   string
	Captured   bool
	CapturedAt *time.Time
	RefundedAt *time.Time
	Raw        map[string]any
}

// Provider is the outbound gateway contract used when staff initiate
// refunds and when reconciliation needs the gateway's current view.
// Checkout session creation lives in the storefront service, not here.
type Provider interface {
	Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error)
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
}
