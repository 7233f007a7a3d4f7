package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v4"

	domain "github.com/makebelieve-imprints/api/internal/domain"
	"github.com/makebelieve-imprints/api/internal/payments"
	"github.com/makebelieve-imprints/api/internal/platform/auth"
	"github.com/makebelieve-imprints/api/internal/platform/breaker"
	"github.com/makebelieve-imprints/api/internal/services"
	"github.com/makebelieve-imprints/api/internal/shipping"
)

type stubOrderService struct {
	getOrderFn            func(ctx context.Context, orderID string) (domain.Order, error)
	listOrdersFn          func(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[domain.Order], error)
	transitionFn          func(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.OrderTransitionResult, error)
	requestCancellationFn func(ctx context.Context, cmd services.RequestCancellationCommand) (domain.Order, error)
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if s.getOrderFn == nil {
		return domain.Order{}, fmt.Errorf("unexpected GetOrder call")
	}
	return s.getOrderFn(ctx, orderID)
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listOrdersFn == nil {
		return domain.CursorPage[domain.Order]{}, fmt.Errorf("unexpected ListOrders call")
	}
	return s.listOrdersFn(ctx, filter)
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.OrderTransitionResult, error) {
	if s.transitionFn == nil {
		return services.OrderTransitionResult{}, fmt.Errorf("unexpected TransitionStatus call")
	}
	return s.transitionFn(ctx, cmd)
}

func (s *stubOrderService) RequestCancellation(ctx context.Context, cmd services.RequestCancellationCommand) (domain.Order, error) {
	if s.requestCancellationFn == nil {
		return domain.Order{}, fmt.Errorf("unexpected RequestCancellation call")
	}
	return s.requestCancellationFn(ctx, cmd)
}

type stubPaymentService struct {
	reconcileFn   func(ctx context.Context, event payments.Event) error
	getPaymentFn  func(ctx context.Context, orderID string) (domain.Payment, error)
	issueRefundFn func(ctx context.Context, cmd services.IssueRefundCommand) (domain.RefundRequest, error)
}

func (s *stubPaymentService) Reconcile(ctx context.Context, event payments.Event) error {
	if s.reconcileFn == nil {
		return fmt.Errorf("unexpected Reconcile call")
	}
	return s.reconcileFn(ctx, event)
}

func (s *stubPaymentService) GetPayment(ctx context.Context, orderID string) (domain.Payment, error) {
	if s.getPaymentFn == nil {
		return domain.Payment{}, fmt.Errorf("unexpected GetPayment call")
	}
	return s.getPaymentFn(ctx, orderID)
}

func (s *stubPaymentService) IssueRefund(ctx context.Context, cmd services.IssueRefundCommand) (domain.RefundRequest, error) {
	if s.issueRefundFn == nil {
		return domain.RefundRequest{}, fmt.Errorf("unexpected IssueRefund call")
	}
	return s.issueRefundFn(ctx, cmd)
}

var _ services.OrderService = (*stubOrderService)(nil)
var _ services.PaymentService = (*stubPaymentService)(nil)

const testSigningKey = "orders-handler-test-signing-key"

func newTestAuthenticator(t *testing.T) *auth.Authenticator {
	t.Helper()
	authn, err := auth.NewAuthenticator([]byte(testSigningKey), "makebelieve-admin", "makebelieve-api")
	if err != nil {
		t.Fatalf("NewAuthenticator returned error: %v", err)
	}
	return authn
}

func signStaffToken(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   subject,
		"iss":   "makebelieve-admin",
		"aud":   "makebelieve-api",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"roles": roles,
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return raw
}

func newOrdersRouter(t *testing.T, orders services.OrderService, paymentService services.PaymentService) chi.Router {
	t.Helper()
	h := NewOrderHandlers(newTestAuthenticator(t), orders, paymentService)
	r := chi.NewRouter()
	r.Route("/orders", h.Routes)
	return r
}

func doStaffRequest(t *testing.T, router chi.Router, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Authorization", "Bearer "+signStaffToken(t, "staff_1", "staff"))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func sampleHandlerOrder() domain.Order {
	placed := time.Date(2026, 3, 14, 8, 30, 0, 0, time.UTC)
	confirmed := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	return domain.Order{
		ID:          "ord_123",
		OrderNumber: "MB-2026-000123",
		UserID:      "usr_9",
		Status:      domain.OrderStatusPaymentConfirmed,
		Currency:    "GBP",
		Totals: domain.OrderTotals{
			Subtotal: 4200,
			Shipping: 350,
			Tax:      840,
			Total:    5390,
		},
		Items: []domain.OrderLineItem{
			{
				ProductRef: "products/tote-classic",
				SKU:        "TOTE-CLASSIC-NAT",
				Name:       "Classic Tote",
				Quantity:   2,
				UnitPrice:  2100,
				Total:      4200,
				Options:    map[string]any{"print": "monogram"},
			},
		},
		ShippingAddress: &domain.Address{
			Name:       "Robin Carter",
			Line1:      "12 Foundry Lane",
			City:       "Sheffield",
			PostalCode: "S1 2AB",
			Country:    "GB",
		},
		CreatedAt:          placed,
		UpdatedAt:          confirmed,
		PlacedAt:           &placed,
		PaymentConfirmedAt: &confirmed,
	}
}

func TestOrderHandlersRequireBearerToken(t *testing.T) {
	router := newOrdersRouter(t, &stubOrderService{}, &stubPaymentService{})

	req := httptest.NewRequest(http.MethodGet, "/orders/ord_123", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestOrderHandlersRejectNonStaffRole(t *testing.T) {
	router := newOrdersRouter(t, &stubOrderService{}, &stubPaymentService{})

	req := httptest.NewRequest(http.MethodGet, "/orders/ord_123", nil)
	req.Header.Set("Authorization", "Bearer "+signStaffToken(t, "usr_9", "customer"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for customer role, got %d", rec.Code)
	}
}

func TestGetOrderReturnsPayload(t *testing.T) {
	orders := &stubOrderService{
		getOrderFn: func(ctx context.Context, orderID string) (domain.Order, error) {
			if orderID != "ord_123" {
				t.Fatalf("unexpected order id %q", orderID)
			}
			return sampleHandlerOrder(), nil
		},
	}
	router := newOrdersRouter(t, orders, &stubPaymentService{})

	rec := doStaffRequest(t, router, http.MethodGet, "/orders/ord_123", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Order struct {
			ID                string   `json:"id"`
			OrderNumber       string   `json:"order_number"`
			Status            string   `json:"status"`
			ValidNextStatuses []string `json:"valid_next_statuses"`
			Totals            struct {
				Total int64 `json:"total"`
			} `json:"totals"`
			PaymentConfirmedAt string `json:"payment_confirmed_at"`
		} `json:"order"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Order.ID != "ord_123" || resp.Order.OrderNumber != "MB-2026-000123" {
		t.Fatalf("unexpected order identity: %+v", resp.Order)
	}
	if resp.Order.Status != "payment_confirmed" {
		t.Fatalf("expected payment_confirmed status, got %q", resp.Order.Status)
	}
	if resp.Order.Totals.Total != 5390 {
		t.Fatalf("expected total 5390, got %d", resp.Order.Totals.Total)
	}
	if resp.Order.PaymentConfirmedAt == "" {
		t.Fatalf("expected payment_confirmed_at to be set")
	}
	if len(resp.Order.ValidNextStatuses) == 0 {
		t.Fatalf("expected valid next statuses for payment_confirmed")
	}
}

func TestGetOrderNotFound(t *testing.T) {
	orders := &stubOrderService{
		getOrderFn: func(ctx context.Context, orderID string) (domain.Order, error) {
			return domain.Order{}, services.ErrOrderNotFound
		},
	}
	router := newOrdersRouter(t, orders, &stubPaymentService{})

	rec := doStaffRequest(t, router, http.MethodGet, "/orders/ord_missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "order_not_found") {
		t.Fatalf("expected order_not_found code, got %s", rec.Body.String())
	}
}

func TestListOrdersParsesFilters(t *testing.T) {
	var captured services.OrderListFilter
	orders := &stubOrderService{
		listOrdersFn: func(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[domain.Order], error) {
			captured = filter
			return domain.CursorPage[domain.Order]{
				Items:         []domain.Order{sampleHandlerOrder()},
				NextPageToken: "tok_next",
			}, nil
		},
	}
	router := newOrdersRouter(t, orders, &stubPaymentService{})

	target := "/orders?status=Printing,shipped&user_id=usr_9&page_size=500&page_token=tok_1&created_after=2026-03-01T00:00:00Z"
	rec := doStaffRequest(t, router, http.MethodGet, target, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if captured.UserID != "usr_9" {
		t.Fatalf("expected user filter usr_9, got %q", captured.UserID)
	}
	if len(captured.Status) != 2 || captured.Status[0] != "printing" || captured.Status[1] != "shipped" {
		t.Fatalf("unexpected status filters: %v", captured.Status)
	}
	if captured.Pagination.PageSize != maxOrderPageSize {
		t.Fatalf("expected page size capped at %d, got %d", maxOrderPageSize, captured.Pagination.PageSize)
	}
	if captured.Pagination.PageToken != "tok_1" {
		t.Fatalf("expected page token tok_1, got %q", captured.Pagination.PageToken)
	}
	if captured.DateRange.From == nil || !captured.DateRange.From.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected created_after filter: %v", captured.DateRange.From)
	}

	var resp struct {
		Items         []map[string]any `json:"items"`
		NextPageToken string           `json:"next_page_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Items) != 1 || resp.NextPageToken != "tok_next" {
		t.Fatalf("unexpected list response: %+v", resp)
	}
}

func TestListOrdersRejectsBadTimestamp(t *testing.T) {
	router := newOrdersRouter(t, &stubOrderService{}, &stubPaymentService{})

	rec := doStaffRequest(t, router, http.MethodGet, "/orders?created_after=yesterday", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid timestamp, got %d", rec.Code)
	}
}

func TestTransitionOrderForwardsCommand(t *testing.T) {
	var captured services.OrderStatusTransitionCommand
	orders := &stubOrderService{
		transitionFn: func(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.OrderTransitionResult, error) {
			captured = cmd
			order := sampleHandlerOrder()
			order.Status = domain.OrderStatusConfirmed
			return services.OrderTransitionResult{
				Order:          order,
				PreviousStatus: domain.OrderStatusPaymentConfirmed,
				NewStatus:      domain.OrderStatusConfirmed,
				Changed:        true,
			}, nil
		},
	}
	router := newOrdersRouter(t, orders, &stubPaymentService{})

	body := map[string]any{
		"status": "Confirmed",
		"reason": "manual review passed",
		"updates": map[string]any{
			"reviewNote": "approved",
		},
	}
	rec := doStaffRequest(t, router, http.MethodPost, "/orders/ord_123:transition", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if captured.OrderID != "ord_123" {
		t.Fatalf("expected order id ord_123, got %q", captured.OrderID)
	}
	if captured.Target != domain.OrderStatusConfirmed {
		t.Fatalf("expected lower-cased target confirmed, got %q", captured.Target)
	}
	if captured.ActorID != "staff_1" {
		t.Fatalf("expected actor staff_1 from token subject, got %q", captured.ActorID)
	}
	if captured.Updates["reviewNote"] != "approved" {
		t.Fatalf("expected updates forwarded, got %v", captured.Updates)
	}

	var resp struct {
		PreviousStatus string `json:"previous_status"`
		NewStatus      string `json:"new_status"`
		Changed        bool   `json:"changed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.PreviousStatus != "payment_confirmed" || resp.NewStatus != "confirmed" || !resp.Changed {
		t.Fatalf("unexpected transition response: %+v", resp)
	}
}

func TestTransitionOrderRequiresStatus(t *testing.T) {
	router := newOrdersRouter(t, &stubOrderService{}, &stubPaymentService{})

	rec := doStaffRequest(t, router, http.MethodPost, "/orders/ord_123:transition", map[string]any{"reason": "no target"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing status, got %d", rec.Code)
	}
}

func TestTransitionOrderRequiresBody(t *testing.T) {
	router := newOrdersRouter(t, &stubOrderService{}, &stubPaymentService{})

	rec := doStaffRequest(t, router, http.MethodPost, "/orders/ord_123:transition", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", rec.Code)
	}
}

func TestTransitionOrderInvalidStateConflict(t *testing.T) {
	orders := &stubOrderService{
		transitionFn: func(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.OrderTransitionResult, error) {
			return services.OrderTransitionResult{}, fmt.Errorf("%w: cannot transition from %q to %q", services.ErrOrderInvalidState, "pending", "shipped")
		},
	}
	router := newOrdersRouter(t, orders, &stubPaymentService{})

	rec := doStaffRequest(t, router, http.MethodPost, "/orders/ord_123:transition", map[string]any{"status": "shipped"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for invalid transition, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "order_invalid_state") {
		t.Fatalf("expected order_invalid_state code, got %s", rec.Body.String())
	}
}

func TestRequestCancellationForwardsReason(t *testing.T) {
	var captured services.RequestCancellationCommand
	orders := &stubOrderService{
		requestCancellationFn: func(ctx context.Context, cmd services.RequestCancellationCommand) (domain.Order, error) {
			captured = cmd
			order := sampleHandlerOrder()
			order.Status = domain.OrderStatusCancellationRequested
			return order, nil
		},
	}
	router := newOrdersRouter(t, orders, &stubPaymentService{})

	rec := doStaffRequest(t, router, http.MethodPost, "/orders/ord_123:request-cancellation", map[string]any{"reason": "customer changed mind"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.OrderID != "ord_123" || captured.Reason != "customer changed mind" {
		t.Fatalf("unexpected cancellation command: %+v", captured)
	}
	if !strings.Contains(rec.Body.String(), "cancellation_requested") {
		t.Fatalf("expected cancellation_requested status in response, got %s", rec.Body.String())
	}
}

func TestRequestCancellationGuardConflict(t *testing.T) {
	orders := &stubOrderService{
		requestCancellationFn: func(ctx context.Context, cmd services.RequestCancellationCommand) (domain.Order, error) {
			return domain.Order{}, fmt.Errorf("%w: order already shipped", services.ErrOrderInvalidState)
		},
	}
	router := newOrdersRouter(t, orders, &stubPaymentService{})

	rec := doStaffRequest(t, router, http.MethodPost, "/orders/ord_123:request-cancellation", map[string]any{"reason": "too late"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestGetPaymentReturnsPayload(t *testing.T) {
	paidAt := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	paymentsSvc := &stubPaymentService{
		getPaymentFn: func(ctx context.Context, orderID string) (domain.Payment, error) {
			if orderID != "ord_123" {
				t.Fatalf("unexpected order id %q", orderID)
			}
			return domain.Payment{
				ID:        "pay_1",
				OrderID:   "ord_123",
				Provider:  "stripe",
				IntentID:  "pi_123",
				Status:    domain.PaymentStatusCompleted,
				Amount:    5390,
				Currency:  "GBP",
				PaidAt:    &paidAt,
				CreatedAt: paidAt,
			}, nil
		},
	}
	router := newOrdersRouter(t, &stubOrderService{}, paymentsSvc)

	rec := doStaffRequest(t, router, http.MethodGet, "/orders/ord_123/payment", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Payment struct {
			IntentID string `json:"intent_id"`
			Status   string `json:"status"`
			Amount   int64  `json:"amount"`
			PaidAt   string `json:"paid_at"`
		} `json:"payment"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Payment.IntentID != "pi_123" || resp.Payment.Status != "COMPLETED" || resp.Payment.Amount != 5390 {
		t.Fatalf("unexpected payment payload: %+v", resp.Payment)
	}
	if resp.Payment.PaidAt == "" {
		t.Fatalf("expected paid_at to be set")
	}
}

func TestGetPaymentNotFound(t *testing.T) {
	paymentsSvc := &stubPaymentService{
		getPaymentFn: func(ctx context.Context, orderID string) (domain.Payment, error) {
			return domain.Payment{}, services.ErrPaymentNotFound
		},
	}
	router := newOrdersRouter(t, &stubOrderService{}, paymentsSvc)

	rec := doStaffRequest(t, router, http.MethodGet, "/orders/ord_123/payment", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "payment_not_found") {
		t.Fatalf("expected payment_not_found code, got %s", rec.Body.String())
	}
}

func TestIssueRefundAccepted(t *testing.T) {
	var captured services.IssueRefundCommand
	created := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	paymentsSvc := &stubPaymentService{
		issueRefundFn: func(ctx context.Context, cmd services.IssueRefundCommand) (domain.RefundRequest, error) {
			captured = cmd
			return domain.RefundRequest{
				ID:          "rfn_1",
				OrderID:     cmd.OrderID,
				Reason:      cmd.Reason,
				Status:      domain.RefundRequestPending,
				RequestedBy: cmd.ActorID,
				CreatedAt:   created,
			}, nil
		},
	}
	router := newOrdersRouter(t, &stubOrderService{}, paymentsSvc)

	amount := int64(5390)
	rec := doStaffRequest(t, router, http.MethodPost, "/orders/ord_123:refund", map[string]any{
		"amount": amount,
		"reason": "damaged in transit",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	if captured.OrderID != "ord_123" || captured.Reason != "damaged in transit" {
		t.Fatalf("unexpected refund command: %+v", captured)
	}
	if captured.Amount == nil || *captured.Amount != amount {
		t.Fatalf("expected amount %d forwarded, got %v", amount, captured.Amount)
	}
	if captured.ActorID != "staff_1" {
		t.Fatalf("expected actor staff_1, got %q", captured.ActorID)
	}

	var resp struct {
		RefundRequest struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"refund_request"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.RefundRequest.ID != "rfn_1" || resp.RefundRequest.Status != "pending" {
		t.Fatalf("unexpected refund response: %+v", resp.RefundRequest)
	}
}

type stubCarrier struct {
	bookFn  func(ctx context.Context, req shipping.BookingRequest) (shipping.Booking, error)
	trackFn func(ctx context.Context, trackingNumber string) (shipping.TrackingStatus, error)
}

func (s *stubCarrier) BookShipment(ctx context.Context, req shipping.BookingRequest) (shipping.Booking, error) {
	if s.bookFn == nil {
		return shipping.Booking{}, fmt.Errorf("unexpected BookShipment call")
	}
	return s.bookFn(ctx, req)
}

func (s *stubCarrier) Track(ctx context.Context, trackingNumber string) (shipping.TrackingStatus, error) {
	if s.trackFn == nil {
		return shipping.TrackingStatus{}, fmt.Errorf("unexpected Track call")
	}
	return s.trackFn(ctx, trackingNumber)
}

var _ ShipmentCarrier = (*stubCarrier)(nil)

func TestShipOrderBooksAndTransitions(t *testing.T) {
	var booked shipping.BookingRequest
	carrier := &stubCarrier{
		bookFn: func(ctx context.Context, req shipping.BookingRequest) (shipping.Booking, error) {
			booked = req
			return shipping.Booking{
				ShipmentID:     "shp_1",
				TrackingNumber: "RM123456789GB",
				LabelURL:       "https://labels.example/shp_1.pdf",
				BookedAt:       time.Date(2026, 3, 16, 11, 0, 0, 0, time.UTC),
			}, nil
		},
	}

	var transition services.OrderStatusTransitionCommand
	orders := &stubOrderService{
		getOrderFn: func(ctx context.Context, orderID string) (domain.Order, error) {
			order := sampleHandlerOrder()
			order.Status = domain.OrderStatusPrinting
			return order, nil
		},
		transitionFn: func(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.OrderTransitionResult, error) {
			transition = cmd
			order := sampleHandlerOrder()
			order.Status = domain.OrderStatusShipped
			return services.OrderTransitionResult{
				Order:          order,
				PreviousStatus: domain.OrderStatusPrinting,
				NewStatus:      domain.OrderStatusShipped,
				Changed:        true,
			}, nil
		},
	}

	h := NewOrderHandlers(newTestAuthenticator(t), orders, &stubPaymentService{}, WithOrderCarrier(carrier))
	router := chi.NewRouter()
	router.Route("/orders", h.Routes)

	rec := doStaffRequest(t, router, http.MethodPost, "/orders/ord_123:ship", map[string]any{
		"service":      "tracked48",
		"weight_grams": 420,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if booked.OrderID != "ord_123" || booked.Service != "tracked48" || booked.WeightGrams != 420 {
		t.Fatalf("unexpected booking request: %+v", booked)
	}
	if booked.RecipientName != "Robin Carter" || booked.PostalCode != "S1 2AB" || booked.CountryCode != "GB" {
		t.Fatalf("unexpected booking destination: %+v", booked)
	}

	if transition.Target != domain.OrderStatusShipped {
		t.Fatalf("expected shipped target, got %q", transition.Target)
	}
	if transition.Updates["trackingNumber"] != "RM123456789GB" || transition.Updates["shipmentId"] != "shp_1" {
		t.Fatalf("unexpected transition updates: %v", transition.Updates)
	}

	if !strings.Contains(rec.Body.String(), "RM123456789GB") {
		t.Fatalf("expected tracking number in response, got %s", rec.Body.String())
	}
}

func TestShipOrderCarrierUnavailable(t *testing.T) {
	carrier := &stubCarrier{
		bookFn: func(ctx context.Context, req shipping.BookingRequest) (shipping.Booking, error) {
			return shipping.Booking{}, &breaker.OpenError{Name: "royalmail"}
		},
	}
	orders := &stubOrderService{
		getOrderFn: func(ctx context.Context, orderID string) (domain.Order, error) {
			return sampleHandlerOrder(), nil
		},
	}

	h := NewOrderHandlers(newTestAuthenticator(t), orders, &stubPaymentService{}, WithOrderCarrier(carrier))
	router := chi.NewRouter()
	router.Route("/orders", h.Routes)

	rec := doStaffRequest(t, router, http.MethodPost, "/orders/ord_123:ship", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when breaker open, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "carrier_unavailable") {
		t.Fatalf("expected carrier_unavailable code, got %s", rec.Body.String())
	}
}

func TestShipOrderWithoutCarrierConfigured(t *testing.T) {
	router := newOrdersRouter(t, &stubOrderService{}, &stubPaymentService{})

	rec := doStaffRequest(t, router, http.MethodPost, "/orders/ord_123:ship", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without carrier, got %d", rec.Code)
	}
}

func TestTrackShipmentServesCachedStatus(t *testing.T) {
	carrier := &stubCarrier{
		trackFn: func(ctx context.Context, trackingNumber string) (shipping.TrackingStatus, error) {
			if trackingNumber != "RM123456789GB" {
				t.Fatalf("unexpected tracking number %q", trackingNumber)
			}
			return shipping.TrackingStatus{
				TrackingNumber: trackingNumber,
				Status:         "in_transit",
				Description:    "Left the depot",
				UpdatedAt:      time.Date(2026, 3, 16, 12, 0, 0, 0, time.UTC),
				Cached:         true,
			}, nil
		},
	}

	h := NewOrderHandlers(newTestAuthenticator(t), &stubOrderService{}, &stubPaymentService{}, WithOrderCarrier(carrier))
	router := chi.NewRouter()
	router.Route("/orders", h.Routes)

	rec := doStaffRequest(t, router, http.MethodGet, "/orders/ord_123/tracking/RM123456789GB", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Status string `json:"status"`
		Cached bool   `json:"cached"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "in_transit" || !resp.Cached {
		t.Fatalf("unexpected tracking response: %+v", resp)
	}
}

func TestMutationRateLimitReturns429(t *testing.T) {
	orders := &stubOrderService{
		requestCancellationFn: func(ctx context.Context, cmd services.RequestCancellationCommand) (domain.Order, error) {
			return sampleHandlerOrder(), nil
		},
	}
	h := NewOrderHandlers(newTestAuthenticator(t), orders, &stubPaymentService{}, WithOrderMutationLimit(2, time.Minute))
	router := chi.NewRouter()
	router.Route("/orders", h.Routes)

	for i := 0; i < 2; i++ {
		rec := doStaffRequest(t, router, http.MethodPost, "/orders/ord_123:request-cancellation", map[string]any{"reason": "changed mind"})
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	rec := doStaffRequest(t, router, http.MethodPost, "/orders/ord_123:request-cancellation", map[string]any{"reason": "changed mind"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after limit, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "rate_limited") {
		t.Fatalf("expected rate_limited code, got %s", rec.Body.String())
	}
}

func TestIssueRefundGuardConflict(t *testing.T) {
	paymentsSvc := &stubPaymentService{
		issueRefundFn: func(ctx context.Context, cmd services.IssueRefundCommand) (domain.RefundRequest, error) {
			return domain.RefundRequest{}, fmt.Errorf("%w: order status %q cannot be refunded", services.ErrPaymentInvalidState, "pending")
		},
	}
	router := newOrdersRouter(t, &stubOrderService{}, paymentsSvc)

	rec := doStaffRequest(t, router, http.MethodPost, "/orders/ord_123:refund", map[string]any{"reason": "early"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "payment_invalid_state") {
		t.Fatalf("expected payment_invalid_state code, got %s", rec.Body.String())
	}
}

type stubAccountingService struct {
	invoiceFn func(ctx context.Context, orderID string) (services.InvoiceDownload, error)
}

func (s *stubAccountingService) Process(ctx context.Context, task services.AccountingTaskMessage) error {
	return fmt.Errorf("unexpected Process call")
}

func (s *stubAccountingService) InvoiceForOrder(ctx context.Context, orderID string) (services.InvoiceDownload, error) {
	if s.invoiceFn == nil {
		return services.InvoiceDownload{}, fmt.Errorf("unexpected InvoiceForOrder call")
	}
	return s.invoiceFn(ctx, orderID)
}

var _ services.AccountingService = (*stubAccountingService)(nil)

func TestGetInvoiceReturnsPayload(t *testing.T) {
	accounting := &stubAccountingService{
		invoiceFn: func(_ context.Context, orderID string) (services.InvoiceDownload, error) {
			if orderID != "ord_123" {
				t.Fatalf("InvoiceForOrder() orderID = %q", orderID)
			}
			return services.InvoiceDownload{
				Invoice: domain.Invoice{
					ID:          "inv_1",
					OrderID:     orderID,
					Number:      "MB-INV-2026-000042",
					Amount:      5390,
					Currency:    "GBP",
					DocumentRef: "gs://invoices/invoices/ord_123/MB-INV-2026-000042.json",
					IssuedAt:    time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
				},
				DownloadURL: "https://storage.example/signed",
			}, nil
		},
	}

	h := NewOrderHandlers(newTestAuthenticator(t), &stubOrderService{}, &stubPaymentService{}, WithOrderAccounting(accounting))
	router := chi.NewRouter()
	router.Route("/orders", h.Routes)

	rec := doStaffRequest(t, router, http.MethodGet, "/orders/ord_123/invoice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Number      string `json:"number"`
		Amount      int64  `json:"amount"`
		DownloadURL string `json:"download_url"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Number != "MB-INV-2026-000042" || resp.Amount != 5390 {
		t.Fatalf("unexpected invoice payload: %+v", resp)
	}
	if resp.DownloadURL != "https://storage.example/signed" {
		t.Fatalf("unexpected download url %q", resp.DownloadURL)
	}
}

func TestGetInvoiceNotFound(t *testing.T) {
	accounting := &stubAccountingService{
		invoiceFn: func(_ context.Context, orderID string) (services.InvoiceDownload, error) {
			return services.InvoiceDownload{}, services.ErrInvoiceNotFound
		},
	}

	h := NewOrderHandlers(newTestAuthenticator(t), &stubOrderService{}, &stubPaymentService{}, WithOrderAccounting(accounting))
	router := chi.NewRouter()
	router.Route("/orders", h.Routes)

	rec := doStaffRequest(t, router, http.MethodGet, "/orders/ord_123/invoice", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invoice_not_found") {
		t.Fatalf("expected invoice_not_found code, got %s", rec.Body.String())
	}
}

func TestGetInvoiceWithoutAccountingConfigured(t *testing.T) {
	router := newOrdersRouter(t, &stubOrderService{}, &stubPaymentService{})

	rec := doStaffRequest(t, router, http.MethodGet, "/orders/ord_123/invoice", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without accounting, got %d", rec.Code)
	}
}
