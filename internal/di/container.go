package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/makebelieve-imprints/api/internal/payments"
	"github.com/makebelieve-imprints/api/internal/platform/breaker"
	"github.com/makebelieve-imprints/api/internal/platform/config"
	"github.com/makebelieve-imprints/api/internal/repositories"
	"github.com/makebelieve-imprints/api/internal/services"
)

// Services bundles the service-layer contracts that handlers and workers
// rely upon. Concrete implementations are assembled in NewContainer.
type Services struct {
	Orders     services.OrderService
	Payments   services.PaymentService
	Accounting services.AccountingService
	System     services.SystemService
}

// ContainerDeps enumerates the external collaborators the container wires
// into services. Repositories and Config are required; the rest degrade to
// reduced functionality when absent (no task queueing, no gateway refunds).
type ContainerDeps struct {
	Config       config.Config
	Repositories repositories.Registry
	Tasks        services.TaskPublisher
	Events       services.OrderEventPublisher
	Archiver     services.InvoiceArchiver
	Gateway      payments.Provider
	Breakers     *breaker.Registry
	Logger       func(ctx context.Context, event string, fields map[string]any)
	Clock        func() time.Time
	Build        services.BuildInfo
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring provides
// real implementations, while tests can supply in-memory registries.
func NewContainer(deps ContainerDeps) (*Container, error) {
	if deps.Repositories == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       deps.Config,
		Repositories: deps.Repositories,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients or background workers.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(deps ContainerDeps) (Services, error) {
	var svc Services
	reg := deps.Repositories

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	ordersRepo := reg.Orders()
	if ordersRepo == nil {
		return Services{}, errors.New("order repository is required")
	}

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders: ordersRepo,
		Clock:  clock,
		Events: deps.Events,
		Logger: deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	paymentsRepo := reg.Payments()
	refundsRepo := reg.RefundRequests()
	if paymentsRepo != nil && refundsRepo != nil {
		paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
			Orders:         ordersRepo,
			Payments:       paymentsRepo,
			RefundRequests: refundsRepo,
			Tasks:          deps.Tasks,
			Gateway:        deps.Gateway,
			Breakers:       deps.Breakers,
			Clock:          clock,
			Logger:         deps.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build payment service: %w", err)
		}
		svc.Payments = paymentSvc
	}

	ledgerRepo := reg.Ledger()
	invoicesRepo := reg.Invoices()
	countersRepo := reg.Counters()
	if ledgerRepo != nil && invoicesRepo != nil && countersRepo != nil {
		accountingSvc, err := services.NewAccountingService(services.AccountingServiceDeps{
			Orders:   ordersRepo,
			Ledger:   ledgerRepo,
			Invoices: invoicesRepo,
			Counters: countersRepo,
			Archiver: deps.Archiver,
			Clock:    clock,
			Logger:   deps.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build accounting service: %w", err)
		}
		svc.Accounting = accountingSvc
	}

	if healthRepo := reg.Health(); healthRepo != nil {
		build := deps.Build
		if build.Environment == "" {
			build.Environment = deps.Config.Security.Environment
		}
		if build.StartedAt.IsZero() {
			build.StartedAt = clock().UTC()
		}
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            clock,
			Build:            build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
