package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/makebelieve-imprints/api/internal/domain"
	"github.com/makebelieve-imprints/api/internal/platform/storage"
	"github.com/makebelieve-imprints/api/internal/repositories"
)

const (
	invoiceIDPrefix      = "inv_"
	invoiceCounterID     = "invoices"
	invoiceContentType   = "application/json"
	invoiceDocumentExt   = "json"
	invoiceNumberPattern = "MB-INV-%04d-%06d"
)

// ErrAccountingInvalidInput signals a malformed accounting task.
var ErrAccountingInvalidInput = errors.New("accounting: invalid input")

// ErrInvoiceNotFound signals that no invoice has been issued for an order.
var ErrInvoiceNotFound = errors.New("accounting: invoice not found")

// InvoiceArchiver persists rendered invoice documents to object storage.
type InvoiceArchiver interface {
	Archive(ctx context.Context, object, contentType string, data []byte) (string, error)
}

// InvoiceURLSigner issues short-lived download URLs for archived invoice
// documents. Archivers without a signing key do not implement it.
type InvoiceURLSigner interface {
	DownloadURL(ctx context.Context, object string, expiresIn time.Duration) (string, error)
}

// AccountingServiceDeps bundles collaborators required to construct the accounting service.
type AccountingServiceDeps struct {
	Orders      repositories.OrderRepository
	Ledger      repositories.LedgerRepository
	Invoices    repositories.InvoiceRepository
	Counters    repositories.CounterRepository
	Archiver    InvoiceArchiver
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type accountingService struct {
	orders   repositories.OrderRepository
	ledger   repositories.LedgerRepository
	invoices repositories.InvoiceRepository
	counters repositories.CounterRepository
	archiver InvoiceArchiver
	clock    func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
}

var _ AccountingService = (*accountingService)(nil)

// NewAccountingService wires dependencies into a concrete AccountingService implementation.
func NewAccountingService(deps AccountingServiceDeps) (AccountingService, error) {
	if deps.Ledger == nil {
		return nil, errors.New("accounting service: ledger repository is required")
	}
	if deps.Invoices == nil {
		return nil, errors.New("accounting service: invoice repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("accounting service: counter repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &accountingService{
		orders:   deps.Orders,
		ledger:   deps.Ledger,
		invoices: deps.Invoices,
		counters: deps.Counters,
		archiver: deps.Archiver,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Process books the ledger entry for the task and, for income, issues the
// invoice. Every step is idempotent against redelivery: the ledger append
// is keyed by the gateway event id and the invoice lookup short-circuits
// when one already exists for the order.
func (s *accountingService) Process(ctx context.Context, task AccountingTaskMessage) error {
	if strings.TrimSpace(task.OrderID) == "" {
		return fmt.Errorf("%w: order id is required", ErrAccountingInvalidInput)
	}
	if strings.TrimSpace(task.EventID) == "" {
		return fmt.Errorf("%w: event id is required", ErrAccountingInvalidInput)
	}

	kind := domain.LedgerEntryKind(task.Kind)
	switch kind {
	case domain.LedgerEntryIncome, domain.LedgerEntryRefund:
	default:
		return fmt.Errorf("%w: unknown task kind %q", ErrAccountingInvalidInput, task.Kind)
	}

	now := s.clock()

	entry, created, err := s.ledger.Append(ctx, domain.LedgerEntry{
		OrderID:   task.OrderID,
		Kind:      kind,
		Amount:    task.Amount,
		Currency:  task.Currency,
		EventID:   task.EventID,
		Reference: task.PaymentID,
		CreatedAt: now,
	})
	if err != nil {
		return err
	}
	if !created {
		s.logger(ctx, "accounting.ledger.duplicate", map[string]any{
			"orderId": task.OrderID,
			"eventId": task.EventID,
			"entryId": entry.ID,
		})
	}

	if kind != domain.LedgerEntryIncome {
		return nil
	}
	return s.issueInvoice(ctx, task, now)
}

// InvoiceForOrder returns the invoice issued for the order. When the
// archiver can sign URLs a short-lived download link for the archived
// document is included; signing failures degrade to a bare invoice.
func (s *accountingService) InvoiceForOrder(ctx context.Context, orderID string) (InvoiceDownload, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return InvoiceDownload{}, fmt.Errorf("%w: order id is required", ErrAccountingInvalidInput)
	}

	invoice, err := s.invoices.FindByOrder(ctx, orderID)
	if err != nil {
		if isNotFound(err) {
			return InvoiceDownload{}, fmt.Errorf("%w: order %s", ErrInvoiceNotFound, orderID)
		}
		return InvoiceDownload{}, err
	}

	download := InvoiceDownload{Invoice: invoice}
	signer, ok := s.archiver.(InvoiceURLSigner)
	if !ok || invoice.DocumentRef == "" {
		return download, nil
	}

	object, err := storage.ObjectPath(invoice.OrderID, invoice.Number, invoiceDocumentExt)
	if err != nil {
		return download, nil
	}
	url, err := signer.DownloadURL(ctx, object, 0)
	switch {
	case err == nil:
		download.DownloadURL = url
	case errors.Is(err, storage.ErrSignerUnavailable):
	default:
		s.logger(ctx, "accounting.invoice.sign_failed", map[string]any{
			"orderId": orderID,
			"number":  invoice.Number,
			"error":   err.Error(),
		})
	}
	return download, nil
}

func (s *accountingService) issueInvoice(ctx context.Context, task AccountingTaskMessage, now time.Time) error {
	if _, err := s.invoices.FindByOrder(ctx, task.OrderID); err == nil {
		return nil
	} else if !isNotFound(err) {
		return err
	}

	seq, err := s.counters.Next(ctx, invoiceCounterID, 1)
	if err != nil {
		return fmt.Errorf("accounting: invoice number: %w", err)
	}
	number := fmt.Sprintf(invoiceNumberPattern, now.Year(), seq)

	invoice := domain.Invoice{
		ID:       invoiceIDPrefix + s.newID(),
		OrderID:  task.OrderID,
		Number:   number,
		Amount:   task.Amount,
		Currency: task.Currency,
		IssuedAt: now,
	}

	if s.archiver != nil {
		document, err := s.renderInvoiceDocument(ctx, invoice, task)
		if err != nil {
			return err
		}
		object, err := storage.ObjectPath(task.OrderID, number, invoiceDocumentExt)
		if err != nil {
			return err
		}
		ref, err := s.archiver.Archive(ctx, object, invoiceContentType, document)
		if err != nil {
			return fmt.Errorf("accounting: archive invoice document: %w", err)
		}
		invoice.DocumentRef = ref
	}

	if err := s.invoices.Insert(ctx, invoice); err != nil {
		// A concurrent worker may have issued the invoice between the
		// lookup and this insert; treat the conflict as done.
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			return nil
		}
		return err
	}

	s.logger(ctx, "accounting.invoice.issued", map[string]any{
		"orderId": task.OrderID,
		"number":  number,
	})
	return nil
}

// renderInvoiceDocument produces the archived invoice payload. Orders are
// embedded when available so the document stands alone for bookkeeping.
func (s *accountingService) renderInvoiceDocument(ctx context.Context, invoice domain.Invoice, task AccountingTaskMessage) ([]byte, error) {
	payload := map[string]any{
		"invoiceNumber": invoice.Number,
		"orderId":       invoice.OrderID,
		"amount":        invoice.Amount,
		"currency":      invoice.Currency,
		"issuedAt":      invoice.IssuedAt.Format(time.RFC3339),
	}
	if task.Email != "" {
		payload["billedTo"] = task.Email
	}

	if s.orders != nil {
		order, err := s.orders.FindByID(ctx, invoice.OrderID)
		if err == nil {
			payload["orderNumber"] = order.OrderNumber
			items := make([]map[string]any, 0, len(order.Items))
			for _, item := range order.Items {
				items = append(items, map[string]any{
					"sku":       item.SKU,
					"name":      item.Name,
					"quantity":  item.Quantity,
					"unitPrice": item.UnitPrice,
					"total":     item.Total,
				})
			}
			payload["items"] = items
			payload["totals"] = map[string]any{
				"subtotal": order.Totals.Subtotal,
				"discount": order.Totals.Discount,
				"shipping": order.Totals.Shipping,
				"tax":      order.Totals.Tax,
				"total":    order.Totals.Total,
			}
		} else if !isNotFound(err) {
			return nil, err
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("accounting: render invoice document: %w", err)
	}
	return data, nil
}
