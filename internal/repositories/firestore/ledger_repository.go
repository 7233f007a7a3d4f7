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

const ledgerCollection = "ledger_entries"

type ledgerDocument struct {
	OrderID   string    `firestore:"orderId"`
	Kind      string    `firestore:"kind"`
	Amount    int64     `firestore:"amount"`
	Currency  string    `firestore:"currency"`
	EventID   string    `firestore:"eventId"`
	Reference string    `firestore:"reference,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
}

// LedgerRepository implements repositories.LedgerRepository on Firestore.
// Document IDs are derived from the gateway event ID so a redelivered
// webhook maps to the same document.
type LedgerRepository struct {
	provider *pfirestore.Provider
	ledger   *pfirestore.Collection[ledgerDocument]
}

// NewLedgerRepository constructs a Firestore-backed ledger repository.
func NewLedgerRepository(provider *pfirestore.Provider) (*LedgerRepository, error) {
	if provider == nil {
		return nil, errors.New("ledger repository requires firestore provider")
	}
	base := pfirestore.NewCollection[ledgerDocument](provider, ledgerCollection)
	return &LedgerRepository{provider: provider, ledger: base}, nil
}

// Append inserts the entry unless one already exists for the same event ID.
// It reports created=false when the entry was booked by an earlier delivery.
func (r *LedgerRepository) Append(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, bool, error) {
	eventID := strings.TrimSpace(entry.EventID)
	if eventID == "" {
		return domain.LedgerEntry{}, false, errors.New("ledger repository: event id is required")
	}
	if strings.TrimSpace(entry.OrderID) == "" {
		return domain.LedgerEntry{}, false, errors.New("ledger repository: order id is required")
	}

	ref, err := r.ledger.DocumentRef(ctx, eventID)
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}

	var existing ledgerDocument
	created := false
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snapshot, err := tx.Get(ref)
		switch status.Code(err) {
		case codes.OK:
			created = false
			return snapshot.DataTo(&existing)
		case codes.NotFound:
			created = true
			existing = encodeLedgerEntry(entry)
			return tx.Create(ref, existing)
		default:
			return err
		}
	})
	if err != nil {
		return domain.LedgerEntry{}, false, pfirestore.WrapError("ledger.append", err)
	}
	return decodeLedgerEntry(eventID, existing), created, nil
}

// ListByOrder returns all entries for the order, oldest first.
func (r *LedgerRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.LedgerEntry, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, errors.New("ledger repository: order id is required")
	}
	docs, err := r.ledger.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", orderID).OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	entries := make([]domain.LedgerEntry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, decodeLedgerEntry(doc.ID, doc.Data))
	}
	return entries, nil
}

func encodeLedgerEntry(entry domain.LedgerEntry) ledgerDocument {
	return ledgerDocument{
		OrderID:   entry.OrderID,
		Kind:      string(entry.Kind),
		Amount:    entry.Amount,
		Currency:  entry.Currency,
		EventID:   entry.EventID,
		Reference: entry.Reference,
		CreatedAt: entry.CreatedAt,
	}
}

func decodeLedgerEntry(id string, doc ledgerDocument) domain.LedgerEntry {
	return domain.LedgerEntry{
		ID:        id,
		OrderID:   doc.OrderID,
		Kind:      domain.LedgerEntryKind(doc.Kind),
		Amount:    doc.Amount,
		Currency:  doc.Currency,
		EventID:   doc.EventID,
		Reference: doc.Reference,
		CreatedAt: doc.CreatedAt,
	}
}
