package firestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/makebelieve-imprints/api/internal/platform/firestore"
	"github.com/makebelieve-imprints/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry contract.
type Registry struct {
	provider *pfirestore.Provider

	orders         *OrderRepository
	payments       *PaymentRepository
	refundRequests *RefundRequestRepository
	ledger         *LedgerRepository
	invoices       *InvoiceRepository
	counters       *CounterRepository
	health         repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires all repositories against a shared Firestore provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build order repository: %w", err)
	}
	payments, err := NewPaymentRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build payment repository: %w", err)
	}
	refunds, err := NewRefundRequestRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build refund request repository: %w", err)
	}
	ledger, err := NewLedgerRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build ledger repository: %w", err)
	}
	invoices, err := NewInvoiceRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build invoice repository: %w", err)
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build counter repository: %w", err)
	}

	health, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		{
			Name: "firestore",
			Check: func(ctx context.Context) error {
				_, err := provider.Client(ctx)
				return err
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build health repository: %w", err)
	}

	return &Registry{
		provider:       provider,
		orders:         orders,
		payments:       payments,
		refundRequests: refunds,
		ledger:         ledger,
		invoices:       invoices,
		counters:       counters,
		health:         health,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

func (r *Registry) Orders() repositories.OrderRepository                 { return r.orders }
func (r *Registry) Payments() repositories.PaymentRepository             { return r.payments }
func (r *Registry) RefundRequests() repositories.RefundRequestRepository { return r.refundRequests }
func (r *Registry) Ledger() repositories.LedgerRepository                { return r.ledger }
func (r *Registry) Invoices() repositories.InvoiceRepository             { return r.invoices }
func (r *Registry) Counters() repositories.CounterRepository             { return r.counters }
func (r *Registry) Health() repositories.HealthRepository                { return r.health }

// RunInTx executes fn inside a Firestore transaction. Repository calls made
// by fn still issue standalone operations; use OrderRepository.Mutate when
// the read and write must share one transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		return fn(ctx)
	})
}
