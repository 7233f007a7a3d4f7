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

const invoicesCollection = "invoices"

type invoiceDocument struct {
	OrderID     string    `firestore:"orderId"`
	Number      string    `firestore:"number"`
	Amount      int64     `firestore:"amount"`
	Currency    string    `firestore:"currency"`
	DocumentRef string    `firestore:"documentRef,omitempty"`
	IssuedAt    time.Time `firestore:"issuedAt"`
}

// InvoiceRepository implements repositories.InvoiceRepository on Firestore.
type InvoiceRepository struct {
	invoices *pfirestore.Collection[invoiceDocument]
}

// NewInvoiceRepository constructs a Firestore-backed invoice repository.
func NewInvoiceRepository(provider *pfirestore.Provider) (*InvoiceRepository, error) {
	if provider == nil {
		return nil, errors.New("invoice repository requires firestore provider")
	}
	base := pfirestore.NewCollection[invoiceDocument](provider, invoicesCollection)
	return &InvoiceRepository{invoices: base}, nil
}

// Insert creates the invoice; it fails when the ID already exists.
func (r *InvoiceRepository) Insert(ctx context.Context, invoice domain.Invoice) error {
	if strings.TrimSpace(invoice.ID) == "" {
		return errors.New("invoice repository: invoice id is required")
	}
	ref, err := r.invoices.DocumentRef(ctx, invoice.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, encodeInvoice(invoice)); err != nil {
		return pfirestore.WrapError("invoices.insert", err)
	}
	return nil
}

// FindByOrder returns the invoice issued for the order.
func (r *InvoiceRepository) FindByOrder(ctx context.Context, orderID string) (domain.Invoice, error) {
	if strings.TrimSpace(orderID) == "" {
		return domain.Invoice{}, errors.New("invoice repository: order id is required")
	}
	docs, err := r.invoices.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", orderID).Limit(1)
	})
	if err != nil {
		return domain.Invoice{}, err
	}
	if len(docs) == 0 {
		return domain.Invoice{}, pfirestore.WrapError("invoices.find_by_order", status.Error(codes.NotFound, "invoice not found"))
	}
	return decodeInvoice(docs[0].ID, docs[0].Data), nil
}

func encodeInvoice(invoice domain.Invoice) invoiceDocument {
	return invoiceDocument{
		OrderID:     invoice.OrderID,
		Number:      invoice.Number,
		Amount:      invoice.Amount,
		Currency:    invoice.Currency,
		DocumentRef: invoice.DocumentRef,
		IssuedAt:    invoice.IssuedAt,
	}
}

func decodeInvoice(id string, doc invoiceDocument) domain.Invoice {
	return domain.Invoice{
		ID:          id,
		OrderID:     doc.OrderID,
		Number:      doc.Number,
		Amount:      doc.Amount,
		Currency:    doc.Currency,
		DocumentRef: doc.DocumentRef,
		IssuedAt:    doc.IssuedAt,
	}
}
