package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/makebelieve-imprints/api/internal/domain"
	"github.com/makebelieve-imprints/api/internal/platform/auth"
	"github.com/makebelieve-imprints/api/internal/platform/breaker"
	"github.com/makebelieve-imprints/api/internal/platform/httpx"
	"github.com/makebelieve-imprints/api/internal/services"
	"github.com/makebelieve-imprints/api/internal/shipping"
)

// ShipmentCarrier books shipments and answers tracking queries.
type ShipmentCarrier interface {
	BookShipment(ctx context.Context, req shipping.BookingRequest) (shipping.Booking, error)
	Track(ctx context.Context, trackingNumber string) (shipping.TrackingStatus, error)
}

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
	maxOrderBodySize     = 16 * 1024
)

type transitionOrderRequest struct {
	Status  string         `json:"status"`
	Force   bool           `json:"force"`
	Reason  string         `json:"reason"`
	Updates map[string]any `json:"updates"`
}

type requestCancellationRequest struct {
	Reason string `json:"reason"`
}

type issueRefundRequest struct {
	Amount *int64 `json:"amount"`
	Reason string `json:"reason"`
}

type shipOrderRequest struct {
	Service     string `json:"service"`
	WeightGrams int    `json:"weight_grams"`
}

// OrderHandlers exposes the back-office order endpoints: reads, status
// transitions, cancellation petitions, and refunds.
type OrderHandlers struct {
	authn      *auth.Authenticator
	orders     services.OrderService
	payments   services.PaymentService
	accounting services.AccountingService
	carrier    ShipmentCarrier
	limiter    rateLimiter
}

// OrderOption customises an OrderHandlers instance.
type OrderOption func(*OrderHandlers)

// WithOrderMutationLimit throttles the mutation endpoints per actor.
func WithOrderMutationLimit(limit int, window time.Duration) OrderOption {
	return func(h *OrderHandlers) {
		h.limiter = newMutationLimiter(limit, window, nil)
	}
}

// WithOrderCarrier enables the ship and tracking endpoints.
func WithOrderCarrier(carrier ShipmentCarrier) OrderOption {
	return func(h *OrderHandlers) {
		h.carrier = carrier
	}
}

// WithOrderAccounting enables the invoice lookup endpoint.
func WithOrderAccounting(accounting services.AccountingService) OrderOption {
	return func(h *OrderHandlers) {
		h.accounting = accounting
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, payments services.PaymentService, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:    authn,
		orders:   orders,
		payments: payments,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// allowMutation enforces the optional per-actor mutation rate limit.
func (h *OrderHandlers) allowMutation(ctx context.Context, w http.ResponseWriter) bool {
	if h.limiter == nil {
		return true
	}
	if h.limiter.Allow(actorID(ctx)) {
		return true
	}
	httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many mutation requests; retry later", http.StatusTooManyRequests))
	return false
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.Middleware())
		r.Use(auth.RequireRoles("staff", "admin"))
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Get("/{orderID}/payment", h.getPayment)
	r.Get("/{orderID}/invoice", h.getInvoice)
	r.Get("/{orderID}/tracking/{trackingNumber}", h.trackShipment)
	r.Post("/{orderID}:transition", h.transitionOrder)
	r.Post("/{orderID}:request-cancellation", h.requestCancellation)
	r.Post("/{orderID}:refund", h.issueRefund)
	r.Post("/{orderID}:ship", h.shipOrder)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()

	var dateRange domain.RangeQuery[time.Time]
	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.To = &ts
	}

	pageSize := defaultOrderPageSize
	if sizeRaw := strings.TrimSpace(query.Get("page_size")); sizeRaw != "" {
		size, err := strconv.Atoi(sizeRaw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
			return
		}
		switch {
		case size <= 0:
			pageSize = defaultOrderPageSize
		case size > maxOrderPageSize:
			pageSize = maxOrderPageSize
		default:
			pageSize = size
		}
	}

	filter := services.OrderListFilter{
		UserID:    strings.TrimSpace(query.Get("user_id")),
		Status:    parseFilterValues(query["status"]),
		DateRange: dateRange,
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}

	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) getPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	payment, err := h.payments.GetPayment(ctx, orderID)
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, paymentResponse{Payment: buildPaymentPayload(payment)})
}

func (h *OrderHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	if !h.allowMutation(ctx, w) {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req transitionOrderRequest
	if !decodeRequestBody(ctx, w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status is required", http.StatusBadRequest))
		return
	}

	result, err := h.orders.TransitionStatus(ctx, services.OrderStatusTransitionCommand{
		OrderID: orderID,
		Target:  domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		Force:   req.Force,
		Reason:  strings.TrimSpace(req.Reason),
		Updates: cloneMap(req.Updates),
		ActorID: actorID(ctx),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, transitionResponse{
		Order:          buildOrderPayload(result.Order),
		PreviousStatus: string(result.PreviousStatus),
		NewStatus:      string(result.NewStatus),
		Changed:        result.Changed,
	})
}

func (h *OrderHandlers) requestCancellation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	if !h.allowMutation(ctx, w) {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req requestCancellationRequest
	if !decodeOptionalRequestBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.RequestCancellation(ctx, services.RequestCancellationCommand{
		OrderID: orderID,
		Reason:  strings.TrimSpace(req.Reason),
		ActorID: actorID(ctx),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) issueRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	if !h.allowMutation(ctx, w) {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req issueRefundRequest
	if !decodeOptionalRequestBody(ctx, w, r, &req) {
		return
	}

	request, err := h.payments.IssueRefund(ctx, services.IssueRefundCommand{
		OrderID: orderID,
		Amount:  req.Amount,
		Reason:  strings.TrimSpace(req.Reason),
		ActorID: actorID(ctx),
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusAccepted, refundRequestResponse{RefundRequest: buildRefundRequestPayload(request)})
}

func (h *OrderHandlers) shipOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil || h.carrier == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_unavailable", "shipping is not configured", http.StatusServiceUnavailable))
		return
	}

	if !h.allowMutation(ctx, w) {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req shipOrderRequest
	if !decodeOptionalRequestBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	if order.ShippingAddress == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", "order has no shipping address", http.StatusConflict))
		return
	}

	addr := order.ShippingAddress
	lines := make([]string, 0, 3)
	for _, line := range []string{addr.Line1, addr.Line2, addr.City} {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}

	booking, err := h.carrier.BookShipment(ctx, shipping.BookingRequest{
		OrderID:       order.ID,
		Service:       strings.TrimSpace(req.Service),
		RecipientName: strings.TrimSpace(addr.Name),
		AddressLines:  lines,
		PostalCode:    strings.TrimSpace(addr.PostalCode),
		CountryCode:   strings.ToUpper(strings.TrimSpace(addr.Country)),
		WeightGrams:   req.WeightGrams,
	})
	if err != nil {
		writeCarrierError(ctx, w, err)
		return
	}

	result, err := h.orders.TransitionStatus(ctx, services.OrderStatusTransitionCommand{
		OrderID: order.ID,
		Target:  domain.OrderStatusShipped,
		Updates: map[string]any{
			"trackingNumber": booking.TrackingNumber,
			"shipmentId":     booking.ShipmentID,
			"labelUrl":       booking.LabelURL,
		},
		ActorID: actorID(ctx),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, shipOrderResponse{
		Order: buildOrderPayload(result.Order),
		Booking: bookingPayload{
			ShipmentID:     booking.ShipmentID,
			TrackingNumber: booking.TrackingNumber,
			LabelURL:       booking.LabelURL,
			BookedAt:       formatTime(booking.BookedAt),
		},
	})
}

func (h *OrderHandlers) trackShipment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carrier == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_unavailable", "shipping is not configured", http.StatusServiceUnavailable))
		return
	}

	trackingNumber := strings.TrimSpace(chi.URLParam(r, "trackingNumber"))
	if trackingNumber == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "tracking number is required", http.StatusBadRequest))
		return
	}

	status, err := h.carrier.Track(ctx, trackingNumber)
	if err != nil {
		writeCarrierError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, trackingResponse{
		TrackingNumber: status.TrackingNumber,
		Status:         status.Status,
		Description:    status.Description,
		UpdatedAt:      formatTime(status.UpdatedAt),
		Cached:         status.Cached,
	})
}

func (h *OrderHandlers) getInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.accounting == nil {
		httpx.WriteError(ctx, w, httpx.NewError("accounting_unavailable", "invoice lookups are not configured", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	download, err := h.accounting.InvoiceForOrder(ctx, orderID)
	if err != nil {
		writeAccountingError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, invoicePayload{
		ID:          download.Invoice.ID,
		OrderID:     download.Invoice.OrderID,
		Number:      download.Invoice.Number,
		Amount:      download.Invoice.Amount,
		Currency:    download.Invoice.Currency,
		IssuedAt:    formatTime(download.Invoice.IssuedAt),
		DocumentRef: download.Invoice.DocumentRef,
		DownloadURL: download.DownloadURL,
	})
}

// decodeRequestBody reads and decodes a required JSON body, writing the
// error response itself and returning false on failure.
func decodeRequestBody(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		case errors.Is(err, errEmptyBody):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

// decodeOptionalRequestBody behaves like decodeRequestBody but tolerates an
// absent body.
func decodeOptionalRequestBody(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errEmptyBody):
			return true
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return err == nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func actorID(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil {
		return strings.TrimSpace(identity.UID)
	}
	return ""
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID          string `json:"id"`
	OrderNumber string `json:"order_number"`
	UserID      string `json:"user_id"`
	Status      string `json:"status"`
	Currency    string `json:"currency"`
	Total       int64  `json:"total"`
	CreatedAt   string `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type transitionResponse struct {
	Order          orderPayload `json:"order"`
	PreviousStatus string       `json:"previous_status"`
	NewStatus      string       `json:"new_status"`
	Changed        bool         `json:"changed"`
}

type orderPayload struct {
	ID                 string             `json:"id"`
	OrderNumber        string             `json:"order_number"`
	UserID             string             `json:"user_id"`
	Status             string             `json:"status"`
	ValidNextStatuses  []string           `json:"valid_next_statuses"`
	Currency           string             `json:"currency"`
	Totals             orderTotalsPayload `json:"totals"`
	Items              []orderItemPayload `json:"items"`
	ShippingAddress    *addressPayload    `json:"shipping_address,omitempty"`
	Metadata           map[string]any     `json:"metadata,omitempty"`
	CreatedAt          string             `json:"created_at"`
	UpdatedAt          string             `json:"updated_at,omitempty"`
	PlacedAt           string             `json:"placed_at,omitempty"`
	PaymentConfirmedAt string             `json:"payment_confirmed_at,omitempty"`
	PrintStartedAt     string             `json:"print_started_at,omitempty"`
	ShippedAt          string             `json:"shipped_at,omitempty"`
	DeliveredAt        string             `json:"delivered_at,omitempty"`
	CancelledAt        string             `json:"cancelled_at,omitempty"`
	RefundedAt         string             `json:"refunded_at,omitempty"`
	CancelReason       *string            `json:"cancel_reason,omitempty"`
	Audit              *orderAuditPayload `json:"audit,omitempty"`
}

type orderTotalsPayload struct {
	Subtotal int64 `json:"subtotal"`
	Discount int64 `json:"discount"`
	Shipping int64 `json:"shipping"`
	Tax      int64 `json:"tax"`
	Total    int64 `json:"total"`
}

type orderItemPayload struct {
	ProductRef string         `json:"product_ref"`
	SKU        string         `json:"sku"`
	Name       string         `json:"name,omitempty"`
	Quantity   int            `json:"quantity"`
	UnitPrice  int64          `json:"unit_price"`
	Total      int64          `json:"total"`
	Options    map[string]any `json:"options,omitempty"`
}

type addressPayload struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type orderAuditPayload struct {
	CreatedBy *string `json:"created_by,omitempty"`
	UpdatedBy *string `json:"updated_by,omitempty"`
}

type paymentResponse struct {
	Payment paymentPayload `json:"payment"`
}

type paymentPayload struct {
	ID         string  `json:"id,omitempty"`
	OrderID    string  `json:"order_id"`
	Provider   string  `json:"provider"`
	IntentID   string  `json:"intent_id,omitempty"`
	ChargeID   string  `json:"charge_id,omitempty"`
	Status     string  `json:"status"`
	Amount     int64   `json:"amount"`
	Currency   string  `json:"currency"`
	PaidAt     string  `json:"paid_at,omitempty"`
	RefundedAt string  `json:"refunded_at,omitempty"`
	FailReason *string `json:"fail_reason,omitempty"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at,omitempty"`
}

type refundRequestResponse struct {
	RefundRequest refundRequestPayload `json:"refund_request"`
}

type shipOrderResponse struct {
	Order   orderPayload   `json:"order"`
	Booking bookingPayload `json:"booking"`
}

type bookingPayload struct {
	ShipmentID     string `json:"shipment_id"`
	TrackingNumber string `json:"tracking_number"`
	LabelURL       string `json:"label_url,omitempty"`
	BookedAt       string `json:"booked_at"`
}

type trackingResponse struct {
	TrackingNumber string `json:"tracking_number"`
	Status         string `json:"status"`
	Description    string `json:"description,omitempty"`
	UpdatedAt      string `json:"updated_at,omitempty"`
	Cached         bool   `json:"cached"`
}

type invoicePayload struct {
	ID          string `json:"id"`
	OrderID     string `json:"order_id"`
	Number      string `json:"number"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	IssuedAt    string `json:"issued_at"`
	DocumentRef string `json:"document_ref,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
}

type refundRequestPayload struct {
	ID          string `json:"id"`
	OrderID     string `json:"order_id"`
	Reason      string `json:"reason,omitempty"`
	Status      string `json:"status"`
	RequestedBy string `json:"requested_by,omitempty"`
	CreatedAt   string `json:"created_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:          strings.TrimSpace(order.ID),
		OrderNumber: strings.TrimSpace(order.OrderNumber),
		UserID:      strings.TrimSpace(order.UserID),
		Status:      strings.TrimSpace(string(order.Status)),
		Currency:    strings.ToUpper(strings.TrimSpace(order.Currency)),
		Total:       order.Totals.Total,
		CreatedAt:   formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	next := domain.ValidNextStatuses(order.Status)
	nextNames := make([]string, 0, len(next))
	for _, status := range next {
		nextNames = append(nextNames, string(status))
	}

	payload := orderPayload{
		ID:                 strings.TrimSpace(order.ID),
		OrderNumber:        strings.TrimSpace(order.OrderNumber),
		UserID:             strings.TrimSpace(order.UserID),
		Status:             strings.TrimSpace(string(order.Status)),
		ValidNextStatuses:  nextNames,
		Currency:           strings.ToUpper(strings.TrimSpace(order.Currency)),
		Totals: orderTotalsPayload{
			Subtotal: order.Totals.Subtotal,
			Discount: order.Totals.Discount,
			Shipping: order.Totals.Shipping,
			Tax:      order.Totals.Tax,
			Total:    order.Totals.Total,
		},
		Items:              make([]orderItemPayload, 0, len(order.Items)),
		Metadata:           cloneMap(order.Metadata),
		CreatedAt:          formatTime(order.CreatedAt),
		UpdatedAt:          formatTime(order.UpdatedAt),
		PlacedAt:           formatTime(pointerTime(order.PlacedAt)),
		PaymentConfirmedAt: formatTime(pointerTime(order.PaymentConfirmedAt)),
		PrintStartedAt:     formatTime(pointerTime(order.PrintStartedAt)),
		ShippedAt:          formatTime(pointerTime(order.ShippedAt)),
		DeliveredAt:        formatTime(pointerTime(order.DeliveredAt)),
		CancelledAt:        formatTime(pointerTime(order.CancelledAt)),
		RefundedAt:         formatTime(pointerTime(order.RefundedAt)),
		CancelReason:       cloneStringPointer(order.CancelReason),
	}

	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductRef: strings.TrimSpace(item.ProductRef),
			SKU:        strings.TrimSpace(item.SKU),
			Name:       strings.TrimSpace(item.Name),
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			Total:      item.Total,
			Options:    cloneMap(item.Options),
		})
	}

	if order.ShippingAddress != nil {
		addr := order.ShippingAddress
		payload.ShippingAddress = &addressPayload{
			Name:       strings.TrimSpace(addr.Name),
			Line1:      strings.TrimSpace(addr.Line1),
			Line2:      strings.TrimSpace(addr.Line2),
			City:       strings.TrimSpace(addr.City),
			PostalCode: strings.TrimSpace(addr.PostalCode),
			Country:    strings.ToUpper(strings.TrimSpace(addr.Country)),
		}
	}

	if order.Audit.CreatedBy != nil || order.Audit.UpdatedBy != nil {
		payload.Audit = &orderAuditPayload{
			CreatedBy: cloneStringPointer(order.Audit.CreatedBy),
			UpdatedBy: cloneStringPointer(order.Audit.UpdatedBy),
		}
	}

	return payload
}

func buildPaymentPayload(payment services.Payment) paymentPayload {
	return paymentPayload{
		ID:         strings.TrimSpace(payment.ID),
		OrderID:    strings.TrimSpace(payment.OrderID),
		Provider:   strings.TrimSpace(payment.Provider),
		IntentID:   strings.TrimSpace(payment.IntentID),
		ChargeID:   strings.TrimSpace(payment.ChargeID),
		Status:     strings.TrimSpace(string(payment.Status)),
		Amount:     payment.Amount,
		Currency:   strings.ToUpper(strings.TrimSpace(payment.Currency)),
		PaidAt:     formatTime(pointerTime(payment.PaidAt)),
		RefundedAt: formatTime(pointerTime(payment.RefundedAt)),
		FailReason: cloneStringPointer(payment.FailReason),
		CreatedAt:  formatTime(payment.CreatedAt),
		UpdatedAt:  formatTime(payment.UpdatedAt),
	}
}

func buildRefundRequestPayload(request services.RefundRequest) refundRequestPayload {
	return refundRequestPayload{
		ID:          strings.TrimSpace(request.ID),
		OrderID:     strings.TrimSpace(request.OrderID),
		Reason:      strings.TrimSpace(request.Reason),
		Status:      strings.TrimSpace(string(request.Status)),
		RequestedBy: strings.TrimSpace(request.RequestedBy),
		CreatedAt:   formatTime(request.CreatedAt),
		CompletedAt: formatTime(pointerTime(request.CompletedAt)),
	}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func writeAccountingError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrAccountingInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInvoiceNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("invoice_not_found", "no invoice issued for order", http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("accounting_error", "invoice lookup failed", http.StatusInternalServerError))
	}
}

func writeCarrierError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var openErr *breaker.OpenError
	var timeoutErr *breaker.TimeoutError
	switch {
	case errors.Is(err, shipping.ErrCarrierInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, shipping.ErrShipmentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("shipment_not_found", "shipment not found", http.StatusNotFound))
	case errors.Is(err, shipping.ErrCarrierUnavailable), errors.As(err, &openErr), errors.As(err, &timeoutErr):
		httpx.WriteError(ctx, w, httpx.NewError("carrier_unavailable", "carrier temporarily unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("carrier_error", "carrier request failed", http.StatusBadGateway))
	}
}

func writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_found", "payment not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("payment_invalid_state", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("payment_error", "failed to process payment request", http.StatusInternalServerError))
	}
}
