package payments

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
)

// OrderIDMetadataKey is the gateway metadata key carrying the order
// correlation id. Checkout sessions and payment intents created by the
// storefront stamp this key on every object.
const OrderIDMetadataKey = "order_id"

// Event is the typed representation of a verified gateway notification.
// Reconciliation dispatches on the concrete variant instead of the raw
// gateway type string.
type Event interface {
	// EventID returns the gateway's unique event identifier, used for
	// ledger idempotency.
	EventID() string
	isEvent()
}

// EventHeader carries the gateway event id shared by every variant.
type EventHeader struct {
	ID string
}

func (h EventHeader) EventID() string { return h.ID }
func (EventHeader) isEvent()          {}

// CheckoutCompleted fires when a hosted checkout session finishes.
type CheckoutCompleted struct {
	EventHeader
	SessionID     string
	IntentID      string
	OrderID       string
	PaymentStatus string
	AmountTotal   int64
	Currency      string
	CustomerEmail string
	CompletedAt   time.Time
	Raw           map[string]any
}

// Paid reports whether the gateway considers the session's funds cleared.
func (e CheckoutCompleted) Paid() bool {
	return e.PaymentStatus == string(stripe.CheckoutSessionPaymentStatusPaid)
}

// CheckoutExpired fires when a hosted checkout session times out unpaid.
type CheckoutExpired struct {
	EventHeader
	SessionID string
	OrderID   string
}

// PaymentSucceeded is the lower-level intent confirmation. It may arrive
// for gateway activity unrelated to an order.
type PaymentSucceeded struct {
	EventHeader
	IntentID string
	OrderID  string
	Amount   int64
	Currency string
}

// PaymentFailed is the lower-level intent failure.
type PaymentFailed struct {
	EventHeader
	IntentID      string
	OrderID       string
	FailureReason string
}

// ChargeRefunded fires when a charge is refunded, in part or in full.
type ChargeRefunded struct {
	EventHeader
	ChargeID       string
	IntentID       string
	AmountRefunded int64
	Currency       string
	FullyRefunded  bool
}

// UnknownEvent wraps gateway types the service does not reconcile. They
// are logged and acknowledged.
type UnknownEvent struct {
	EventHeader
	Type string
}

// ParseEvent maps a signature-verified gateway event onto the typed union.
// Payload decoding failures are returned as errors so the sender retries.
func ParseEvent(event stripe.Event) (Event, error) {
	header := EventHeader{ID: event.ID}

	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("payments: decode checkout session from %s: %w", event.ID, err)
		}
		parsed := CheckoutCompleted{
			EventHeader:   header,
			SessionID:     session.ID,
			OrderID:       strings.TrimSpace(session.Metadata[OrderIDMetadataKey]),
			PaymentStatus: string(session.PaymentStatus),
			AmountTotal:   session.AmountTotal,
			Currency:      strings.ToUpper(string(session.Currency)),
			CompletedAt:   time.Unix(event.Created, 0).UTC(),
		}
		if session.PaymentIntent != nil {
			parsed.IntentID = session.PaymentIntent.ID
		}
		if session.CustomerDetails != nil {
			parsed.CustomerEmail = session.CustomerDetails.Email
		}
		raw := map[string]any{}
		if err := json.Unmarshal(event.Data.Raw, &raw); err == nil {
			parsed.Raw = raw
		}
		return parsed, nil

	case "checkout.session.expired":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("payments: decode checkout session from %s: %w", event.ID, err)
		}
		return CheckoutExpired{
			EventHeader: header,
			SessionID:   session.ID,
			OrderID:     strings.TrimSpace(session.Metadata[OrderIDMetadataKey]),
		}, nil

	case "payment_intent.succeeded":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return nil, fmt.Errorf("payments: decode payment intent from %s: %w", event.ID, err)
		}
		return PaymentSucceeded{
			EventHeader: header,
			IntentID:    intent.ID,
			OrderID:     strings.TrimSpace(intent.Metadata[OrderIDMetadataKey]),
			Amount:      intent.Amount,
			Currency:    strings.ToUpper(string(intent.Currency)),
		}, nil

	case "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return nil, fmt.Errorf("payments: decode payment intent from %s: %w", event.ID, err)
		}
		parsed := PaymentFailed{
			EventHeader: header,
			IntentID:    intent.ID,
			OrderID:     strings.TrimSpace(intent.Metadata[OrderIDMetadataKey]),
		}
		if intent.LastPaymentError != nil {
			parsed.FailureReason = intent.LastPaymentError.Msg
		}
		return parsed, nil

	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return nil, fmt.Errorf("payments: decode charge from %s: %w", event.ID, err)
		}
		parsed := ChargeRefunded{
			EventHeader:    header,
			ChargeID:       charge.ID,
			AmountRefunded: charge.AmountRefunded,
			Currency:       strings.ToUpper(string(charge.Currency)),
			FullyRefunded:  charge.Refunded,
		}
		if charge.PaymentIntent != nil {
			parsed.IntentID = charge.PaymentIntent.ID
		}
		return parsed, nil

	default:
		return UnknownEvent{EventHeader: header, Type: string(event.Type)}, nil
	}
}
