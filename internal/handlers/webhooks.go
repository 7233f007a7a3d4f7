package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/makebelieve-imprints/api/internal/payments"
	"github.com/makebelieve-imprints/api/internal/platform/observability"
	"github.com/makebelieve-imprints/api/internal/services"
)

// maxWebhookBodySize bounds gateway payloads; Stripe events stay well under this.
const maxWebhookBodySize = 64 * 1024

// WebhookHandlers receives gateway callbacks. Each endpoint verifies the
// payload signature against its own endpoint secret before reconciling.
type WebhookHandlers struct {
	paymentsVerifier *payments.SignatureVerifier
	issuingVerifier  *payments.SignatureVerifier
	payments         services.PaymentService
}

// NewWebhookHandlers constructs a new WebhookHandlers instance.
func NewWebhookHandlers(paymentsVerifier, issuingVerifier *payments.SignatureVerifier, paymentService services.PaymentService) *WebhookHandlers {
	return &WebhookHandlers{
		paymentsVerifier: paymentsVerifier,
		issuingVerifier:  issuingVerifier,
		payments:         paymentService,
	}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.handleStripe(h.paymentsVerifier))
	r.Post("/stripe/issuing", h.handleStripe(h.issuingVerifier))
}

func (h *WebhookHandlers) handleStripe(verifier *payments.SignatureVerifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := observability.FromContext(ctx)

		if verifier == nil || h.payments == nil {
			writeJSONResponse(w, http.StatusServiceUnavailable, webhookErrorResponse{Error: "webhook processing unavailable"})
			return
		}

		body, err := readLimitedBody(r, maxWebhookBodySize)
		if err != nil {
			if errors.Is(err, errBodyTooLarge) {
				writeJSONResponse(w, http.StatusRequestEntityTooLarge, webhookErrorResponse{Error: "payload too large"})
				return
			}
			writeJSONResponse(w, http.StatusBadRequest, webhookErrorResponse{Error: "empty payload"})
			return
		}

		event, err := verifier.VerifyAndParse(body, r.Header.Get("Stripe-Signature"))
		if err != nil {
			switch {
			case errors.Is(err, payments.ErrMissingSignature), errors.Is(err, payments.ErrInvalidSignature):
				logger.Warn("webhook signature rejected", zap.Error(err))
				writeJSONResponse(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid signature"})
			default:
				logger.Warn("webhook payload rejected", zap.Error(err))
				writeJSONResponse(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid payload"})
			}
			return
		}

		if err := h.payments.Reconcile(ctx, event); err != nil {
			// A non-2xx response makes the gateway redeliver; reconcile is
			// idempotent so redelivery after a transient failure is safe.
			logger.Error("webhook reconcile failed", zap.Error(err))
			writeJSONResponse(w, http.StatusInternalServerError, webhookErrorResponse{Error: "reconciliation failed"})
			return
		}

		writeJSONResponse(w, http.StatusOK, webhookAckResponse{Received: true})
	}
}

type webhookAckResponse struct {
	Received bool `json:"received"`
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}
