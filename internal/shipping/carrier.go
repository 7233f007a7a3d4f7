package shipping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/makebelieve-imprints/api/internal/platform/breaker"
)

const (
	carrierBreakerName = "royalmail"
	maxErrorBodyBytes  = 512
)

// Carrier errors.
var (
	ErrCarrierInvalidInput = errors.New("shipping: invalid input")
	ErrShipmentNotFound    = errors.New("shipping: shipment not found")
	ErrCarrierUnavailable  = errors.New("shipping: carrier unavailable")
)

// BookingRequest describes a shipment to hand to the carrier.
type BookingRequest struct {
	OrderID       string   `json:"orderId"`
	Service       string   `json:"service"`
	RecipientName string   `json:"recipientName"`
	AddressLines  []string `json:"addressLines"`
	PostalCode    string   `json:"postalCode"`
	CountryCode   string   `json:"countryCode"`
	WeightGrams   int      `json:"weightGrams"`
}

// Booking is the carrier's acknowledgement of a booked shipment.
type Booking struct {
	ShipmentID     string    `json:"shipmentId"`
	TrackingNumber string    `json:"trackingNumber"`
	LabelURL       string    `json:"labelUrl"`
	BookedAt       time.Time `json:"bookedAt"`
}

// TrackingStatus is the latest known position of a shipment. Cached is set
// when the carrier was unreachable and the value came from the local cache.
type TrackingStatus struct {
	TrackingNumber string    `json:"trackingNumber"`
	Status         string    `json:"status"`
	Description    string    `json:"description"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Cached         bool      `json:"-"`
}

// ClientDeps bundles collaborators required to construct the carrier client.
type ClientDeps struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Breakers   *breaker.Registry
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

// Client talks to the carrier's shipment API. Every outbound call runs
// through the shared breaker registry; tracking lookups fall back to the
// last status seen for the shipment when the breaker rejects the call.
type Client struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	breakers *breaker.Registry
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)

	mu       sync.RWMutex
	lastSeen map[string]TrackingStatus
}

// NewClient validates deps and assembles a carrier client.
func NewClient(deps ClientDeps) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(deps.BaseURL), "/")
	if base == "" {
		return nil, errors.New("shipping client: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("shipping client: invalid base url: %w", err)
	}
	if strings.TrimSpace(deps.APIKey) == "" {
		return nil, errors.New("shipping client: api key is required")
	}
	if deps.Breakers == nil {
		return nil, errors.New("shipping client: breaker registry is required")
	}

	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &Client{
		baseURL:  base,
		apiKey:   deps.APIKey,
		http:     httpClient,
		breakers: deps.Breakers,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger:   logger,
		lastSeen: make(map[string]TrackingStatus),
	}, nil
}

// BookShipment registers the shipment with the carrier. Booking has no
// meaningful fallback, so breaker rejections surface to the caller.
func (c *Client) BookShipment(ctx context.Context, req BookingRequest) (Booking, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return Booking{}, fmt.Errorf("%w: order id is required", ErrCarrierInvalidInput)
	}
	if strings.TrimSpace(req.RecipientName) == "" || len(req.AddressLines) == 0 {
		return Booking{}, fmt.Errorf("%w: recipient and address are required", ErrCarrierInvalidInput)
	}

	var booking Booking
	err := c.breakers.Call(ctx, carrierBreakerName, func(ctx context.Context) error {
		result, err := c.postShipment(ctx, req)
		if err != nil {
			return err
		}
		booking = result
		return nil
	}, nil)
	if err != nil {
		return Booking{}, err
	}

	c.logger(ctx, "shipping.booked", map[string]any{
		"orderId":        req.OrderID,
		"trackingNumber": booking.TrackingNumber,
	})
	return booking, nil
}

// Track returns the shipment's latest tracking status. While the carrier
// breaker is open the last status seen for the tracking number is served
// with Cached set.
func (c *Client) Track(ctx context.Context, trackingNumber string) (TrackingStatus, error) {
	trackingNumber = strings.TrimSpace(trackingNumber)
	if trackingNumber == "" {
		return TrackingStatus{}, fmt.Errorf("%w: tracking number is required", ErrCarrierInvalidInput)
	}

	var status TrackingStatus
	err := c.breakers.Call(ctx, carrierBreakerName, func(ctx context.Context) error {
		result, err := c.getTracking(ctx, trackingNumber)
		if err != nil {
			return err
		}
		status = result
		return nil
	}, func(ctx context.Context, cause error) error {
		cached, ok := c.cachedStatus(trackingNumber)
		if !ok {
			return fmt.Errorf("%w: %v", ErrCarrierUnavailable, cause)
		}
		c.logger(ctx, "shipping.track.cached", map[string]any{
			"trackingNumber": trackingNumber,
			"cause":          cause.Error(),
		})
		status = cached
		return nil
	})
	if err != nil {
		return TrackingStatus{}, err
	}

	if !status.Cached {
		c.rememberStatus(status)
	}
	return status, nil
}

func (c *Client) postShipment(ctx context.Context, req BookingRequest) (Booking, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Booking{}, fmt.Errorf("shipping: encode booking: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/shipments", bytes.NewReader(body))
	if err != nil {
		return Booking{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Booking{}, fmt.Errorf("shipping: book shipment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Booking{}, carrierStatusError("book shipment", resp)
	}

	var booking Booking
	if err := json.NewDecoder(resp.Body).Decode(&booking); err != nil {
		return Booking{}, fmt.Errorf("shipping: decode booking response: %w", err)
	}
	if booking.BookedAt.IsZero() {
		booking.BookedAt = c.clock()
	}
	return booking, nil
}

func (c *Client) getTracking(ctx context.Context, trackingNumber string) (TrackingStatus, error) {
	endpoint := c.baseURL + "/tracking/" + url.PathEscape(trackingNumber)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return TrackingStatus{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return TrackingStatus{}, fmt.Errorf("shipping: track shipment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return TrackingStatus{}, fmt.Errorf("%w: %s", ErrShipmentNotFound, trackingNumber)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return TrackingStatus{}, carrierStatusError("track shipment", resp)
	}

	var status TrackingStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return TrackingStatus{}, fmt.Errorf("shipping: decode tracking response: %w", err)
	}
	if status.TrackingNumber == "" {
		status.TrackingNumber = trackingNumber
	}
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = c.clock()
	}
	return status, nil
}

func (c *Client) cachedStatus(trackingNumber string) (TrackingStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	status, ok := c.lastSeen[trackingNumber]
	if !ok {
		return TrackingStatus{}, false
	}
	status.Cached = true
	return status, true
}

func (c *Client) rememberStatus(status TrackingStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen[status.TrackingNumber] = status
}

func carrierStatusError(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return fmt.Errorf("shipping: %s: carrier responded %d: %s", op, resp.StatusCode, strings.TrimSpace(string(snippet)))
}
