package domain

import (
	"strings"
	"testing"
)

var allOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusPaymentConfirmed,
	OrderStatusConfirmed,
	OrderStatusPrinting,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancellationRequested,
	OrderStatusCancelled,
	OrderStatusRefunded,
}

func TestIsValidTransitionTable(t *testing.T) {
	cases := []struct {
		from   OrderStatus
		target OrderStatus
		want   bool
	}{
		{OrderStatusPending, OrderStatusPaymentConfirmed, true},
		{OrderStatusPending, OrderStatusCancelled, true},
		{OrderStatusPending, OrderStatusShipped, false},
		{OrderStatusPaymentConfirmed, OrderStatusConfirmed, true},
		{OrderStatusPaymentConfirmed, OrderStatusRefunded, true},
		{OrderStatusPaymentConfirmed, OrderStatusPrinting, false},
		{OrderStatusConfirmed, OrderStatusPrinting, true},
		{OrderStatusConfirmed, OrderStatusCancelled, true},
		{OrderStatusPrinting, OrderStatusShipped, true},
		{OrderStatusPrinting, OrderStatusCancelled, false},
		{OrderStatusShipped, OrderStatusDelivered, true},
		{OrderStatusShipped, OrderStatusRefunded, true},
		{OrderStatusDelivered, OrderStatusRefunded, true},
		{OrderStatusDelivered, OrderStatusShipped, false},
		{OrderStatusCancelled, OrderStatusRefunded, false},
		{OrderStatusRefunded, OrderStatusPending, false},
		{OrderStatusCancellationRequested, OrderStatusCancelled, false},
	}
	for _, tc := range cases {
		if got := IsValidTransition(tc.from, tc.target); got != tc.want {
			t.Errorf("IsValidTransition(%s, %s) = %v, want %v", tc.from, tc.target, got, tc.want)
		}
	}
}

func TestIsValidTransitionNoOp(t *testing.T) {
	for _, status := range allOrderStatuses {
		if !IsValidTransition(status, status) {
			t.Errorf("IsValidTransition(%s, %s) should allow no-op", status, status)
		}
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	for _, status := range TerminalStatuses {
		next := ValidNextStatuses(status)
		if status == OrderStatusDelivered {
			if len(next) != 1 || next[0] != OrderStatusRefunded {
				t.Errorf("delivered should only allow refunded, got %v", next)
			}
			continue
		}
		if len(next) != 0 {
			t.Errorf("terminal status %s should have no transitions, got %v", status, next)
		}
	}
}

func TestStatusPartition(t *testing.T) {
	if len(ActiveStatuses)+len(TerminalStatuses) != len(allOrderStatuses) {
		t.Fatalf("active (%d) + terminal (%d) must cover all %d statuses",
			len(ActiveStatuses), len(TerminalStatuses), len(allOrderStatuses))
	}
	for _, status := range allOrderStatuses {
		active := IsActiveStatus(status)
		terminal := IsTerminalStatus(status)
		if active == terminal {
			t.Errorf("status %s: active=%v terminal=%v, want exactly one", status, active, terminal)
		}
	}
}

func TestCancellationRequestedIsActiveDeadEnd(t *testing.T) {
	if !IsActiveStatus(OrderStatusCancellationRequested) {
		t.Fatal("cancellation_requested must be active")
	}
	if got := ValidNextStatuses(OrderStatusCancellationRequested); len(got) != 0 {
		t.Fatalf("cancellation_requested must have no automatic transitions, got %v", got)
	}
}

func TestValidateTransitionErrors(t *testing.T) {
	if err := ValidateTransition(OrderStatusPending, OrderStatusPaymentConfirmed); err != nil {
		t.Fatalf("expected legal transition, got %v", err)
	}

	err := ValidateTransition(OrderStatusCancelled, OrderStatusPending)
	if err == nil {
		t.Fatal("expected error for terminal source")
	}
	if !strings.Contains(err.Error(), "no transitions permitted") {
		t.Errorf("terminal error should mention dead end, got %q", err.Error())
	}

	err = ValidateTransition(OrderStatusPending, OrderStatusShipped)
	if err == nil {
		t.Fatal("expected error for illegal transition")
	}
	if !strings.Contains(err.Error(), "valid transitions:") {
		t.Errorf("illegal transition error should list alternatives, got %q", err.Error())
	}
	if !strings.Contains(err.Error(), "payment_confirmed") {
		t.Errorf("alternatives should include payment_confirmed, got %q", err.Error())
	}

	err = ValidateTransition(OrderStatusCancellationRequested, OrderStatusCancelled)
	if err == nil {
		t.Fatal("expected error for pending cancellation request")
	}
	if strings.Contains(err.Error(), "terminal") {
		t.Errorf("cancellation_requested is an active status, got %q", err.Error())
	}
	if !strings.Contains(err.Error(), "staff approval path") {
		t.Errorf("error should point at the staff approval path, got %q", err.Error())
	}
}

func TestCanRequestCancellation(t *testing.T) {
	want := map[OrderStatus]bool{
		OrderStatusPending:          true,
		OrderStatusPaymentConfirmed: true,
		OrderStatusConfirmed:        true,
	}
	for _, status := range allOrderStatuses {
		if got := CanRequestCancellation(status); got != want[status] {
			t.Errorf("CanRequestCancellation(%s) = %v, want %v", status, got, want[status])
		}
	}
}

func TestCanBeRefunded(t *testing.T) {
	want := map[OrderStatus]bool{
		OrderStatusPaymentConfirmed: true,
		OrderStatusConfirmed:        true,
		OrderStatusPrinting:         true,
		OrderStatusShipped:          true,
		OrderStatusDelivered:        true,
	}
	for _, status := range allOrderStatuses {
		if got := CanBeRefunded(status); got != want[status] {
			t.Errorf("CanBeRefunded(%s) = %v, want %v", status, got, want[status])
		}
	}
}
