package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/makebelieve-imprints/api/internal/domain"
	pfirestore "github.com/makebelieve-imprints/api/internal/platform/firestore"
	"github.com/makebelieve-imprints/api/internal/platform/pagination"
	"github.com/makebelieve-imprints/api/internal/repositories"
)

const ordersCollection = "orders"

type orderDocument struct {
	OrderNumber        string              `firestore:"orderNumber"`
	UserID             string              `firestore:"userId"`
	Status             string              `firestore:"status"`
	Currency           string              `firestore:"currency"`
	Subtotal           int64               `firestore:"subtotal"`
	Discount           int64               `firestore:"discount"`
	Shipping           int64               `firestore:"shipping"`
	Tax                int64               `firestore:"tax"`
	Total              int64               `firestore:"total"`
	Items              []orderItemDocument `firestore:"items"`
	ShippingAddress    *addressDocument    `firestore:"shippingAddress,omitempty"`
	Metadata           map[string]any      `firestore:"metadata,omitempty"`
	PlacedAt           *time.Time          `firestore:"placedAt,omitempty"`
	PaymentConfirmedAt *time.Time          `firestore:"paymentConfirmedAt,omitempty"`
	PrintStartedAt     *time.Time          `firestore:"printStartedAt,omitempty"`
	ShippedAt          *time.Time          `firestore:"shippedAt,omitempty"`
	DeliveredAt        *time.Time          `firestore:"deliveredAt,omitempty"`
	CancelledAt        *time.Time          `firestore:"cancelledAt,omitempty"`
	RefundedAt         *time.Time          `firestore:"refundedAt,omitempty"`
	CancelReason       *string             `firestore:"cancelReason,omitempty"`
	CreatedBy          *string             `firestore:"createdBy,omitempty"`
	UpdatedBy          *string             `firestore:"updatedBy,omitempty"`
	CreatedAt          time.Time           `firestore:"createdAt"`
	UpdatedAt          time.Time           `firestore:"updatedAt"`
}

type orderItemDocument struct {
	ProductRef string         `firestore:"productRef,omitempty"`
	SKU        string         `firestore:"sku"`
	Name       string         `firestore:"name"`
	Options    map[string]any `firestore:"options,omitempty"`
	Quantity   int            `firestore:"quantity"`
	UnitPrice  int64          `firestore:"unitPrice"`
	Total      int64          `firestore:"total"`
}

type addressDocument struct {
	Name       string `firestore:"name"`
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
}

// OrderRepository implements repositories.OrderRepository backed by Firestore.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewCollection[orderDocument](provider, ordersCollection)
	return &OrderRepository{provider: provider, orders: base}, nil
}

// Insert creates the order document; it fails when the ID already exists.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if err := validateOrderID(order.ID); err != nil {
		return err
	}
	ref, err := r.orders.DocumentRef(ctx, order.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, encodeOrder(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// Update overwrites the order document.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if err := validateOrderID(order.ID); err != nil {
		return err
	}
	return r.orders.Set(ctx, order.ID, encodeOrder(order))
}

// FindByID fetches a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if err := validateOrderID(orderID); err != nil {
		return domain.Order{}, err
	}
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(doc.ID, doc.Data), nil
}

// List returns orders matching the filter ordered by creation time descending.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	limit := filter.Pagination.PageSize
	if limit <= 0 {
		limit = 20
	}

	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.UserID != "" {
			q = q.Where("userId", "==", filter.UserID)
		}
		if len(filter.Status) > 0 {
			q = q.Where("status", "in", filter.Status)
		}
		if filter.DateRange.From != nil {
			q = q.Where("createdAt", ">=", *filter.DateRange.From)
		}
		if filter.DateRange.To != nil {
			q = q.Where("createdAt", "<", *filter.DateRange.To)
		}
		q = q.OrderBy("createdAt", firestore.Desc)
		if after := cursorStartAfter(cursor); len(after) > 0 {
			q = q.StartAfter(after...)
		}
		// Fetch one extra row to learn whether another page exists.
		return q.Limit(limit + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{}
	for i, doc := range docs {
		if i == limit {
			last := page.Items[len(page.Items)-1]
			token, err := pagination.EncodeToken(pagination.Cursor{StartAfter: []any{last.CreatedAt}})
			if err != nil {
				return domain.CursorPage[domain.Order]{}, err
			}
			page.NextPageToken = token
			break
		}
		page.Items = append(page.Items, decodeOrder(doc.ID, doc.Data))
	}
	return page, nil
}

// cursorStartAfter restores timestamp cursor values that JSON round-tripped
// into strings, so Firestore compares them against the timestamp field.
func cursorStartAfter(cursor pagination.Cursor) []any {
	if len(cursor.StartAfter) == 0 {
		return nil
	}
	values := make([]any, 0, len(cursor.StartAfter))
	for _, value := range cursor.StartAfter {
		if raw, ok := value.(string); ok {
			if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				values = append(values, ts)
				continue
			}
		}
		values = append(values, value)
	}
	return values
}

// Mutate applies fn to the order inside a Firestore transaction. The read,
// the guard inside fn, and the write all commit or abort together.
func (r *OrderRepository) Mutate(ctx context.Context, orderID string, fn repositories.OrderMutator) (domain.Order, error) {
	if err := validateOrderID(orderID); err != nil {
		return domain.Order{}, err
	}
	if fn == nil {
		return domain.Order{}, errors.New("order repository: mutator is required")
	}

	var mutated domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return pfirestore.WrapError("orders.mutate", err)
			}
			return err
		}

		var doc orderDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore orders decode %s: %w", orderID, err)
		}

		order := decodeOrder(orderID, doc)
		if err := fn(&order); err != nil {
			return err
		}
		mutated = order
		return tx.Set(ref, encodeOrder(order))
	})
	if err != nil {
		return domain.Order{}, err
	}
	return mutated, nil
}

func validateOrderID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("order repository: order id is required")
	}
	return nil
}

func encodeOrder(order domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber:        order.OrderNumber,
		UserID:             order.UserID,
		Status:             string(order.Status),
		Currency:           order.Currency,
		Subtotal:           order.Totals.Subtotal,
		Discount:           order.Totals.Discount,
		Shipping:           order.Totals.Shipping,
		Tax:                order.Totals.Tax,
		Total:              order.Totals.Total,
		Metadata:           order.Metadata,
		PlacedAt:           order.PlacedAt,
		PaymentConfirmedAt: order.PaymentConfirmedAt,
		PrintStartedAt:     order.PrintStartedAt,
		ShippedAt:          order.ShippedAt,
		DeliveredAt:        order.DeliveredAt,
		CancelledAt:        order.CancelledAt,
		RefundedAt:         order.RefundedAt,
		CancelReason:       order.CancelReason,
		CreatedBy:          order.Audit.CreatedBy,
		UpdatedBy:          order.Audit.UpdatedBy,
		CreatedAt:          order.CreatedAt,
		UpdatedAt:          order.UpdatedAt,
	}
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderItemDocument{
			ProductRef: item.ProductRef,
			SKU:        item.SKU,
			Name:       item.Name,
			Options:    item.Options,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			Total:      item.Total,
		})
	}
	if order.ShippingAddress != nil {
		doc.ShippingAddress = &addressDocument{
			Name:       order.ShippingAddress.Name,
			Line1:      order.ShippingAddress.Line1,
			Line2:      order.ShippingAddress.Line2,
			City:       order.ShippingAddress.City,
			PostalCode: order.ShippingAddress.PostalCode,
			Country:    order.ShippingAddress.Country,
		}
	}
	return doc
}

func decodeOrder(id string, doc orderDocument) domain.Order {
	order := domain.Order{
		ID:          id,
		OrderNumber: doc.OrderNumber,
		UserID:      doc.UserID,
		Status:      domain.OrderStatus(doc.Status),
		Currency:    doc.Currency,
		Totals: domain.OrderTotals{
			Subtotal: doc.Subtotal,
			Discount: doc.Discount,
			Shipping: doc.Shipping,
			Tax:      doc.Tax,
			Total:    doc.Total,
		},
		Metadata:           doc.Metadata,
		PlacedAt:           doc.PlacedAt,
		PaymentConfirmedAt: doc.PaymentConfirmedAt,
		PrintStartedAt:     doc.PrintStartedAt,
		ShippedAt:          doc.ShippedAt,
		DeliveredAt:        doc.DeliveredAt,
		CancelledAt:        doc.CancelledAt,
		RefundedAt:         doc.RefundedAt,
		CancelReason:       doc.CancelReason,
		Audit: domain.OrderAudit{
			CreatedBy: doc.CreatedBy,
			UpdatedBy: doc.UpdatedBy,
		},
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	for _, item := range doc.Items {
		order.Items = append(order.Items, domain.OrderLineItem{
			ProductRef: item.ProductRef,
			SKU:        item.SKU,
			Name:       item.Name,
			Options:    item.Options,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			Total:      item.Total,
		})
	}
	if doc.ShippingAddress != nil {
		order.ShippingAddress = &domain.Address{
			Name:       doc.ShippingAddress.Name,
			Line1:      doc.ShippingAddress.Line1,
			Line2:      doc.ShippingAddress.Line2,
			City:       doc.ShippingAddress.City,
			PostalCode: doc.ShippingAddress.PostalCode,
			Country:    doc.ShippingAddress.Country,
		}
	}
	return order
}
