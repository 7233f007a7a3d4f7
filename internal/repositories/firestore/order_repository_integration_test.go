//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/makebelieve-imprints/api/internal/domain"
	pconfig "github.com/makebelieve-imprints/api/internal/platform/config"
	pfirestore "github.com/makebelieve-imprints/api/internal/platform/firestore"
)

func TestOrderRepositoryIntegration(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })

	waitForEndpoint(t, endpoint, 30*time.Second)

	cfg := pconfig.FirestoreConfig{
		ProjectID:    "orders-test",
		EmulatorHost: endpoint,
	}

	provider := pfirestore.NewProvider(cfg)
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	repo, err := NewOrderRepository(provider)
	if err != nil {
		t.Fatalf("new order repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Second)
	order := domain.Order{
		ID:          "ord_it_1",
		OrderNumber: "MB-2026-000001",
		UserID:      "usr_it_1",
		Status:      domain.OrderStatusPending,
		Currency:    "GBP",
		Totals:      domain.OrderTotals{Subtotal: 4200, Shipping: 395, Tax: 919, Total: 5514},
		Items: []domain.OrderLineItem{
			{SKU: "MUG-11OZ", Name: "Custom Mug", Quantity: 2, UnitPrice: 2100, Total: 4200},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := repo.Insert(ctx, order); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := repo.Insert(ctx, order); err == nil {
		t.Fatalf("expected duplicate insert to fail")
	}

	fetched, err := repo.FindByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if fetched.Status != domain.OrderStatusPending || fetched.OrderNumber != order.OrderNumber {
		t.Fatalf("unexpected order after insert: %+v", fetched)
	}

	// Concurrent mutations must serialise; exactly one transition to
	// payment_confirmed wins and the repeats see the guard reject them.
	const workers = 8
	var wg sync.WaitGroup
	wg.Add(workers)
	applied := make([]error, workers)
	for i := 0; i < workers; i++ {
		go func(idx int) {
			defer wg.Done()
			_, applied[idx] = repo.Mutate(ctx, order.ID, func(o *domain.Order) error {
				if o.Status != domain.OrderStatusPending {
					return errors.New("already confirmed")
				}
				o.Status = domain.OrderStatusPaymentConfirmed
				confirmedAt := now.Add(time.Minute)
				o.PaymentConfirmedAt = &confirmedAt
				o.UpdatedAt = confirmedAt
				return nil
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range applied {
		if err == nil {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one mutation to win, got %d", succeeded)
	}

	fetched, err = repo.FindByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("find after mutate: %v", err)
	}
	if fetched.Status != domain.OrderStatusPaymentConfirmed {
		t.Fatalf("expected payment_confirmed got %s", fetched.Status)
	}
	if fetched.PaymentConfirmedAt == nil {
		t.Fatalf("expected payment confirmed timestamp to be set")
	}

	ledger, err := NewLedgerRepository(provider)
	if err != nil {
		t.Fatalf("new ledger repository: %v", err)
	}
	entry := domain.LedgerEntry{
		OrderID:   order.ID,
		Kind:      domain.LedgerEntryIncome,
		Amount:    5514,
		Currency:  "GBP",
		EventID:   "evt_it_1",
		Reference: "pi_it_1",
		CreatedAt: now,
	}
	first, created, err := ledger.Append(ctx, entry)
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	if !created {
		t.Fatalf("expected first append to create the entry")
	}
	second, created, err := ledger.Append(ctx, entry)
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if created {
		t.Fatalf("expected redelivery to be deduplicated")
	}
	if first.ID != second.ID || second.Amount != 5514 {
		t.Fatalf("expected identical entry on redelivery: %+v vs %+v", first, second)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}

	cmd := exec.Command("docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Fatalf("docker daemon not available: %v", err)
	}
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "stop", id)
	_ = cmd.Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("firestore emulator at %s did not become ready within %s", endpoint, timeout)
}

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
