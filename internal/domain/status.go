package domain

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates checkout started but payment has not cleared.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaymentConfirmed indicates the gateway confirmed payment.
	OrderStatusPaymentConfirmed OrderStatus = "payment_confirmed"
	// OrderStatusConfirmed indicates staff accepted the order for production.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusPrinting indicates the order is actively being printed.
	OrderStatusPrinting OrderStatus = "printing"
	// OrderStatusShipped indicates the order was handed to the carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the carrier confirmed delivery.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancellationRequested indicates the customer asked to cancel;
	// resolution happens through the staff approval path, never automatically.
	OrderStatusCancellationRequested OrderStatus = "cancellation_requested"
	// OrderStatusCancelled indicates the order was cancelled before fulfilment.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded indicates the payment was returned to the customer.
	OrderStatusRefunded OrderStatus = "refunded"
)

// orderStatusTransitions is the fixed directed graph of allowed status moves.
// Statuses absent from the map have no outgoing transitions.
var orderStatusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:               {OrderStatusPaymentConfirmed, OrderStatusCancelled},
	OrderStatusPaymentConfirmed:      {OrderStatusConfirmed, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusConfirmed:             {OrderStatusPrinting, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusPrinting:              {OrderStatusShipped, OrderStatusRefunded},
	OrderStatusShipped:               {OrderStatusDelivered, OrderStatusRefunded},
	OrderStatusDelivered:             {OrderStatusRefunded},
	OrderStatusCancellationRequested: {},
}

// ActiveStatuses lists every status a live order can hold. Together with
// TerminalStatuses it partitions the full status set with no overlap.
var ActiveStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusPaymentConfirmed,
	OrderStatusConfirmed,
	OrderStatusPrinting,
	OrderStatusShipped,
	OrderStatusCancellationRequested,
}

// TerminalStatuses lists statuses with no outgoing transitions, except that a
// delivered order may still be refunded.
var TerminalStatuses = []OrderStatus{
	OrderStatusDelivered,
	OrderStatusCancelled,
	OrderStatusRefunded,
}

var customerCancellableStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusPaymentConfirmed,
	OrderStatusConfirmed,
}

var refundableStatuses = []OrderStatus{
	OrderStatusPaymentConfirmed,
	OrderStatusConfirmed,
	OrderStatusPrinting,
	OrderStatusShipped,
	OrderStatusDelivered,
}

// IsValidTransition reports whether from may move to target. Repeating the
// current status is always permitted as a no-op.
func IsValidTransition(from, target OrderStatus) bool {
	if from == target {
		return true
	}
	return slices.Contains(orderStatusTransitions[from], target)
}

// ValidNextStatuses returns the allowed-target set for the given status.
func ValidNextStatuses(from OrderStatus) []OrderStatus {
	next := orderStatusTransitions[from]
	out := make([]OrderStatus, len(next))
	copy(out, next)
	return out
}

// ValidateTransition returns nil when the move is legal, or an error
// distinguishing a terminal dead end from an illegal move with alternatives.
func ValidateTransition(from, target OrderStatus) error {
	if IsValidTransition(from, target) {
		return nil
	}
	if from == OrderStatusCancellationRequested {
		return fmt.Errorf("cannot transition from %q: cancellation requests are resolved through the staff approval path", from)
	}
	next := orderStatusTransitions[from]
	if len(next) == 0 {
		return fmt.Errorf("cannot transition from terminal status %q: no transitions permitted", from)
	}
	names := make([]string, 0, len(next))
	for _, status := range next {
		names = append(names, string(status))
	}
	sort.Strings(names)
	return fmt.Errorf("cannot transition from %q to %q; valid transitions: %s", from, target, strings.Join(names, ", "))
}

// IsKnownStatus reports whether the value names one of the order statuses.
func IsKnownStatus(status OrderStatus) bool {
	return IsActiveStatus(status) || IsTerminalStatus(status)
}

// IsTerminalStatus reports whether the status belongs to the terminal set.
func IsTerminalStatus(status OrderStatus) bool {
	return slices.Contains(TerminalStatuses, status)
}

// IsActiveStatus reports whether the status belongs to the active set.
func IsActiveStatus(status OrderStatus) bool {
	return slices.Contains(ActiveStatuses, status)
}

// CanRequestCancellation reports whether a customer may still ask to cancel.
func CanRequestCancellation(status OrderStatus) bool {
	return slices.Contains(customerCancellableStatuses, status)
}

// CanBeRefunded reports whether the order's payment can still be returned.
func CanBeRefunded(status OrderStatus) bool {
	return slices.Contains(refundableStatuses, status)
}
