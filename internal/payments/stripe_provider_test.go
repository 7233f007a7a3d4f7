package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
)

type stubIntentAPI struct {
	intent *stripe.PaymentIntent
	err    error
	gotID  string
}

func (s *stubIntentAPI) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	s.gotID = id
	return s.intent, s.err
}

type stubRefundAPI struct {
	refund    *stripe.Refund
	err       error
	gotParams *stripe.RefundParams
}

func (s *stubRefundAPI) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	s.gotParams = params
	return s.refund, s.err
}

func TestStripeProviderRefund(t *testing.T) {
	created := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)
	intents := &stubIntentAPI{
		intent: &stripe.PaymentIntent{
			ID:       "pi_123",
			Amount:   5514,
			Currency: "gbp",
			Status:   stripe.PaymentIntentStatusSucceeded,
			LatestCharge: &stripe.Charge{
				ID:             "ch_123",
				Amount:         5514,
				AmountRefunded: 5514,
				Refunded:       true,
				Paid:           true,
				Created:        created.Unix(),
			},
		},
	}
	refunds := &stubRefundAPI{refund: &stripe.Refund{ID: "re_123"}}

	provider, err := NewStripeProvider(StripeProviderConfig{
		Clients: &stripeClients{intents: intents, refunds: refunds},
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	amount := int64(5514)
	details, err := provider.Refund(context.Background(), RefundRequest{
		IntentID:       "pi_123",
		Amount:         &amount,
		Reason:         "requested_by_customer",
		IdempotencyKey: "rfn_1",
	})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}

	if refunds.gotParams == nil {
		t.Fatalf("expected refund call")
	}
	if got := stripe.StringValue(refunds.gotParams.PaymentIntent); got != "pi_123" {
		t.Fatalf("unexpected intent id %q", got)
	}
	if got := stripe.Int64Value(refunds.gotParams.Amount); got != 5514 {
		t.Fatalf("unexpected amount %d", got)
	}
	if got := stripe.StringValue(refunds.gotParams.Reason); got != string(stripe.RefundReasonRequestedByCustomer) {
		t.Fatalf("unexpected reason %q", got)
	}
	if details.Status != StatusRefunded {
		t.Fatalf("expected refunded status, got %s", details.Status)
	}
	if details.RefundedAt == nil || !details.RefundedAt.Equal(created) {
		t.Fatalf("unexpected refundedAt: %v", details.RefundedAt)
	}
	if details.Currency != "GBP" {
		t.Fatalf("unexpected currency %q", details.Currency)
	}
}

func TestStripeProviderRefundFailure(t *testing.T) {
	refunds := &stubRefundAPI{err: errors.New("gateway down")}
	provider, err := NewStripeProvider(StripeProviderConfig{
		Clients: &stripeClients{intents: &stubIntentAPI{}, refunds: refunds},
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if _, err := provider.Refund(context.Background(), RefundRequest{IntentID: "pi_456"}); err == nil {
		t.Fatalf("expected refund error")
	}
}

func TestStripeProviderLookupPayment(t *testing.T) {
	intents := &stubIntentAPI{
		intent: &stripe.PaymentIntent{
			ID:       "pi_789",
			Amount:   1200,
			Currency: "gbp",
			Status:   stripe.PaymentIntentStatusProcessing,
		},
	}
	provider, err := NewStripeProvider(StripeProviderConfig{
		Clients: &stripeClients{intents: intents, refunds: &stubRefundAPI{}},
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	details, err := provider.LookupPayment(context.Background(), LookupRequest{IntentID: "pi_789"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if intents.gotID != "pi_789" {
		t.Fatalf("unexpected intent id requested: %q", intents.gotID)
	}
	if details.Status != StatusPending || details.Captured {
		t.Fatalf("unexpected details: %+v", details)
	}
}

func TestNewStripeProviderRequiresKey(t *testing.T) {
	if _, err := NewStripeProvider(StripeProviderConfig{}); err == nil {
		t.Fatalf("expected error without api key or clients")
	}
}
