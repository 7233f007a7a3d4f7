package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/makebelieve-imprints/api/internal/services"
)

func newTestPublisher(t *testing.T) (*PubSubTaskPublisher, *pstest.Server) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { srv.Close() })

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	accounting, err := client.CreateTopic(ctx, "order-accounting")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	notifications, err := client.CreateTopic(ctx, "order-notifications")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubTaskPublisher(accounting, notifications)
	if err != nil {
		t.Fatalf("NewPubSubTaskPublisher: %v", err)
	}
	return publisher, srv
}

func TestPublishAccountingTask(t *testing.T) {
	publisher, srv := newTestPublisher(t)
	ctx := context.Background()

	msg := services.AccountingTaskMessage{
		OrderID:   "ord_01HTEST",
		PaymentID: "pay_01HTEST",
		Kind:      "income",
		EventID:   "evt_123",
		Amount:    4200,
		Currency:  "gbp",
		QueuedAt:  time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC),
	}

	if _, err := publisher.PublishAccountingTask(ctx, msg); err != nil {
		t.Fatalf("PublishAccountingTask: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.AccountingTaskMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != msg.OrderID || payload.Kind != msg.Kind {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["orderId"]; attr != "ord_01HTEST" {
		t.Fatalf("expected orderId attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["eventId"]; attr != "evt_123" {
		t.Fatalf("expected eventId attribute, got %q", attr)
	}
}

func TestPublishNotificationTask(t *testing.T) {
	publisher, srv := newTestPublisher(t)
	ctx := context.Background()

	msg := services.NotificationTaskMessage{
		OrderID:  "ord_01HTEST",
		Template: "payment_confirmed",
		Email:    "customer@example.com",
		QueuedAt: time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC),
	}

	if _, err := publisher.PublishNotificationTask(ctx, msg); err != nil {
		t.Fatalf("PublishNotificationTask: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if attr := messages[0].Attributes["template"]; attr != "payment_confirmed" {
		t.Fatalf("expected template attribute, got %q", attr)
	}
}
