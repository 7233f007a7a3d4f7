package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	domain "github.com/makebelieve-imprints/api/internal/domain"
	"github.com/makebelieve-imprints/api/internal/repositories"
)

const (
	orderEventStatusChanged         = "order.status.changed"
	orderEventCancellationRequested = "order.cancellation.requested"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")

	// errTransitionNoop aborts the mutation transaction without a write when
	// the target status equals the current one.
	errTransitionNoop = errors.New("order: transition is a no-op")
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders repositories.OrderRepository
	Clock  func() time.Time
	Events OrderEventPublisher
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders repositories.OrderRepository
	clock  func() time.Time
	events OrderEventPublisher
	logger func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders: deps.Orders,
		clock: func() time.Time {
			return clock().UTC()
		},
		events: deps.Events,
		logger: logger,
	}, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// TransitionStatus moves the order to cmd.Target. The status guard, the
// auxiliary updates, and the per-status timestamps are applied inside one
// repository mutation so a concurrent transition cannot slip between the
// read and the write. Force skips graph validation but still records
// timestamps and audit fields.
func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (OrderTransitionResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return OrderTransitionResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target := domain.OrderStatus(strings.TrimSpace(string(cmd.Target)))
	if target == "" {
		return OrderTransitionResult{}, fmt.Errorf("%w: target status is required", ErrOrderInvalidInput)
	}
	if !domain.IsKnownStatus(target) {
		return OrderTransitionResult{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, target)
	}

	now := s.clock()
	actor := strings.TrimSpace(cmd.ActorID)

	var result OrderTransitionResult
	mutated, err := s.orders.Mutate(ctx, orderID, func(order *domain.Order) error {
		result.PreviousStatus = order.Status
		if order.Status == target {
			result.Order = *order
			result.NewStatus = order.Status
			return errTransitionNoop
		}
		if !cmd.Force {
			if err := domain.ValidateTransition(order.Status, target); err != nil {
				return fmt.Errorf("%w: %v", ErrOrderInvalidState, err)
			}
		}
		s.applyTransition(order, target, cmd.Reason, actor, now)
		applyAuxiliaryUpdates(order, cmd.Updates)
		result.NewStatus = target
		result.Changed = true
		return nil
	})
	switch {
	case errors.Is(err, errTransitionNoop):
		return result, nil
	case err != nil:
		if errors.Is(err, ErrOrderInvalidState) {
			return OrderTransitionResult{}, err
		}
		return OrderTransitionResult{}, s.mapRepositoryError(err)
	}

	result.Order = mutated

	metadata := map[string]any{}
	if cmd.Reason != "" {
		metadata["reason"] = strings.TrimSpace(cmd.Reason)
	}
	if cmd.Force {
		metadata["forced"] = true
	}
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        mutated.ID,
		OrderNumber:    mutated.OrderNumber,
		PreviousStatus: string(result.PreviousStatus),
		CurrentStatus:  string(result.NewStatus),
		ActorID:        actor,
		OccurredAt:     now,
		Metadata:       metadata,
	})

	return result, nil
}

// RequestCancellation parks the order in cancellation_requested. Only
// orders that have not started production accept the petition; staff
// resolve it later through a transition or a refund.
func (s *orderService) RequestCancellation(ctx context.Context, cmd RequestCancellationCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	now := s.clock()
	actor := strings.TrimSpace(cmd.ActorID)
	reason := strings.TrimSpace(cmd.Reason)

	var previous domain.OrderStatus
	mutated, err := s.orders.Mutate(ctx, orderID, func(order *domain.Order) error {
		previous = order.Status
		if order.Status == domain.OrderStatusCancellationRequested {
			return errTransitionNoop
		}
		if !domain.CanRequestCancellation(order.Status) {
			return fmt.Errorf("%w: order status %q does not accept cancellation requests", ErrOrderInvalidState, order.Status)
		}
		order.Status = domain.OrderStatusCancellationRequested
		if reason != "" {
			order.CancelReason = &reason
		}
		order.UpdatedAt = now
		if actor != "" {
			order.Audit.UpdatedBy = &actor
		}
		return nil
	})
	switch {
	case errors.Is(err, errTransitionNoop):
		return s.GetOrder(ctx, orderID)
	case err != nil:
		if errors.Is(err, ErrOrderInvalidState) {
			return domain.Order{}, err
		}
		return domain.Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventCancellationRequested,
		OrderID:        mutated.ID,
		OrderNumber:    mutated.OrderNumber,
		PreviousStatus: string(previous),
		CurrentStatus:  string(mutated.Status),
		ActorID:        actor,
		OccurredAt:     now,
		Metadata:       map[string]any{"reason": reason},
	})

	return mutated, nil
}

func (s *orderService) applyTransition(order *domain.Order, target domain.OrderStatus, reason, actor string, now time.Time) {
	order.Status = target
	order.UpdatedAt = now
	if actor != "" {
		order.Audit.UpdatedBy = &actor
	}

	switch target {
	case domain.OrderStatusPending:
		if order.PlacedAt == nil {
			order.PlacedAt = &now
		}
	case domain.OrderStatusPaymentConfirmed:
		order.PaymentConfirmedAt = &now
	case domain.OrderStatusPrinting:
		order.PrintStartedAt = &now
	case domain.OrderStatusShipped:
		order.ShippedAt = &now
	case domain.OrderStatusDelivered:
		order.DeliveredAt = &now
	case domain.OrderStatusCancelled:
		if order.CancelledAt == nil {
			order.CancelledAt = &now
		}
		if trimmed := strings.TrimSpace(reason); trimmed != "" {
			order.CancelReason = &trimmed
		}
	case domain.OrderStatusRefunded:
		order.RefundedAt = &now
	}
}

func applyAuxiliaryUpdates(order *domain.Order, updates map[string]any) {
	if len(updates) == 0 {
		return
	}
	if order.Metadata == nil {
		order.Metadata = make(map[string]any, len(updates))
	}
	maps.Copy(order.Metadata, updates)
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}
