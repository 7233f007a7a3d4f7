package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/makebelieve-imprints/api/internal/payments"
	"github.com/makebelieve-imprints/api/internal/services"
)

const testWebhookSecret = "whsec_handlers_test"

func signWebhookPayload(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func newWebhookRouter(t *testing.T, paymentService services.PaymentService) chi.Router {
	t.Helper()
	verifier, err := payments.NewSignatureVerifier(testWebhookSecret)
	if err != nil {
		t.Fatalf("new signature verifier: %v", err)
	}
	h := NewWebhookHandlers(verifier, verifier, paymentService)
	r := chi.NewRouter()
	r.Route("/webhooks", h.Routes)
	return r
}

func postWebhook(router chi.Router, path string, payload []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestWebhookDispatchesVerifiedEvent(t *testing.T) {
	var received payments.Event
	stub := &stubPaymentService{
		reconcileFn: func(ctx context.Context, event payments.Event) error {
			received = event
			return nil
		},
	}
	router := newWebhookRouter(t, stub)

	payload := []byte(`{"id":"evt_1","type":"checkout.session.expired","data":{"object":{"id":"cs_1","metadata":{"order_id":"ord_1"}}}}`)
	rec := postWebhook(router, "/webhooks/stripe", payload, signWebhookPayload(payload, testWebhookSecret, time.Now()))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"received":true`) {
		t.Fatalf("expected ack body, got %s", rec.Body.String())
	}

	expired, ok := received.(payments.CheckoutExpired)
	if !ok {
		t.Fatalf("expected CheckoutExpired event, got %T", received)
	}
	if expired.ID != "evt_1" || expired.OrderID != "ord_1" {
		t.Fatalf("unexpected event fields: %+v", expired)
	}
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	stub := &stubPaymentService{
		reconcileFn: func(ctx context.Context, event payments.Event) error {
			t.Fatalf("reconcile must not run for unsigned payloads")
			return nil
		},
	}
	router := newWebhookRouter(t, stub)

	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)
	rec := postWebhook(router, "/webhooks/stripe", payload, "")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing signature, got %d", rec.Code)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	stub := &stubPaymentService{
		reconcileFn: func(ctx context.Context, event payments.Event) error {
			t.Fatalf("reconcile must not run for forged payloads")
			return nil
		},
	}
	router := newWebhookRouter(t, stub)

	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)
	rec := postWebhook(router, "/webhooks/stripe", payload, signWebhookPayload(payload, "whsec_other", time.Now()))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad signature, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid signature") {
		t.Fatalf("expected invalid signature error, got %s", rec.Body.String())
	}
}

func TestWebhookRejectsEmptyBody(t *testing.T) {
	router := newWebhookRouter(t, &stubPaymentService{})

	rec := postWebhook(router, "/webhooks/stripe", nil, "t=1,v1=abc")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", rec.Code)
	}
}

func TestWebhookReconcileFailureReturns500(t *testing.T) {
	stub := &stubPaymentService{
		reconcileFn: func(ctx context.Context, event payments.Event) error {
			return services.ErrMissingCorrelationID
		},
	}
	router := newWebhookRouter(t, stub)

	payload := []byte(`{"id":"evt_2","type":"checkout.session.completed","data":{"object":{"id":"cs_2","payment_status":"paid","metadata":{}}}}`)
	rec := postWebhook(router, "/webhooks/stripe", payload, signWebhookPayload(payload, testWebhookSecret, time.Now()))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 so the gateway redelivers, got %d", rec.Code)
	}
}

func TestWebhookIssuingRouteVerifiesIndependently(t *testing.T) {
	calls := 0
	stub := &stubPaymentService{
		reconcileFn: func(ctx context.Context, event payments.Event) error {
			calls++
			return nil
		},
	}
	router := newWebhookRouter(t, stub)

	payload := []byte(`{"id":"evt_3","type":"checkout.session.expired","data":{"object":{"id":"cs_3","metadata":{"order_id":"ord_3"}}}}`)
	rec := postWebhook(router, "/webhooks/stripe/issuing", payload, signWebhookPayload(payload, testWebhookSecret, time.Now()))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on issuing route, got %d: %s", rec.Code, rec.Body.String())
	}
	if calls != 1 {
		t.Fatalf("expected one reconcile call, got %d", calls)
	}
}
