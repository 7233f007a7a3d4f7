package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/makebelieve-imprints/api/internal/domain"
	pfirestore "github.com/makebelieve-imprints/api/internal/platform/firestore"
)

const paymentsCollection = "payments"

// Payments are keyed by order ID so checkout retries and webhook
// redeliveries converge on a single document per order.
type paymentDocument struct {
	OrderID    string         `firestore:"orderId"`
	Provider   string         `firestore:"provider"`
	IntentID   string         `firestore:"intentId,omitempty"`
	ChargeID   string         `firestore:"chargeId,omitempty"`
	Status     string         `firestore:"status"`
	Amount     int64          `firestore:"amount"`
	Currency   string         `firestore:"currency"`
	PaidAt     *time.Time     `firestore:"paidAt,omitempty"`
	RefundedAt *time.Time     `firestore:"refundedAt,omitempty"`
	FailReason *string        `firestore:"failReason,omitempty"`
	Raw        map[string]any `firestore:"raw,omitempty"`
	CreatedAt  time.Time      `firestore:"createdAt"`
	UpdatedAt  time.Time      `firestore:"updatedAt"`
}

// PaymentRepository implements repositories.PaymentRepository on Firestore.
type PaymentRepository struct {
	payments *pfirestore.Collection[paymentDocument]
}

// NewPaymentRepository constructs a Firestore-backed payment repository.
func NewPaymentRepository(provider *pfirestore.Provider) (*PaymentRepository, error) {
	if provider == nil {
		return nil, errors.New("payment repository requires firestore provider")
	}
	base := pfirestore.NewCollection[paymentDocument](provider, paymentsCollection)
	return &PaymentRepository{payments: base}, nil
}

// Upsert writes the payment record for the order, overwriting any prior state.
func (r *PaymentRepository) Upsert(ctx context.Context, payment domain.Payment) (domain.Payment, error) {
	orderID := strings.TrimSpace(payment.OrderID)
	if orderID == "" {
		return domain.Payment{}, errors.New("payment repository: order id is required")
	}
	doc := encodePayment(payment)
	if err := r.payments.Set(ctx, orderID, doc); err != nil {
		return domain.Payment{}, err
	}
	return decodePayment(orderID, doc), nil
}

// FindByOrder returns the single payment record attached to the order.
func (r *PaymentRepository) FindByOrder(ctx context.Context, orderID string) (domain.Payment, error) {
	if strings.TrimSpace(orderID) == "" {
		return domain.Payment{}, errors.New("payment repository: order id is required")
	}
	doc, err := r.payments.Get(ctx, orderID)
	if err != nil {
		return domain.Payment{}, err
	}
	return decodePayment(doc.ID, doc.Data), nil
}

// FindByIntentID looks up a payment by the gateway's payment intent reference.
func (r *PaymentRepository) FindByIntentID(ctx context.Context, intentID string) (domain.Payment, error) {
	if strings.TrimSpace(intentID) == "" {
		return domain.Payment{}, errors.New("payment repository: intent id is required")
	}
	docs, err := r.payments.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("intentId", "==", intentID).Limit(1)
	})
	if err != nil {
		return domain.Payment{}, err
	}
	if len(docs) == 0 {
		return domain.Payment{}, pfirestore.WrapError("payments.find_by_intent", status.Error(codes.NotFound, "payment not found"))
	}
	return decodePayment(docs[0].ID, docs[0].Data), nil
}

func encodePayment(payment domain.Payment) paymentDocument {
	return paymentDocument{
		OrderID:    payment.OrderID,
		Provider:   payment.Provider,
		IntentID:   payment.IntentID,
		ChargeID:   payment.ChargeID,
		Status:     string(payment.Status),
		Amount:     payment.Amount,
		Currency:   payment.Currency,
		PaidAt:     payment.PaidAt,
		RefundedAt: payment.RefundedAt,
		FailReason: payment.FailReason,
		Raw:        payment.Raw,
		CreatedAt:  payment.CreatedAt,
		UpdatedAt:  payment.UpdatedAt,
	}
}

func decodePayment(id string, doc paymentDocument) domain.Payment {
	return domain.Payment{
		ID:         id,
		OrderID:    doc.OrderID,
		Provider:   doc.Provider,
		IntentID:   doc.IntentID,
		ChargeID:   doc.ChargeID,
		Status:     domain.PaymentStatus(doc.Status),
		Amount:     doc.Amount,
		Currency:   doc.Currency,
		PaidAt:     doc.PaidAt,
		RefundedAt: doc.RefundedAt,
		FailReason: doc.FailReason,
		Raw:        doc.Raw,
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}
}
