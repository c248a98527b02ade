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

	"github.com/checkspot/api/internal/services"
)

func TestPubSubPaymentEventPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "payment-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubPaymentEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubPaymentEventPublisher: %v", err)
	}

	occurredAt := time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)
	msg := services.PaymentEventMessage{
		EventID:     "pe_test",
		RequestID:   "req_42",
		SessionID:   "cs_test_1",
		IntentID:    "pi_test_1",
		Outcome:     "succeeded",
		AmountMinor: 8500,
		Currency:    "USD",
		OccurredAt:  occurredAt,
	}

	if _, err := publisher.PublishPaymentEvent(ctx, msg); err != nil {
		t.Fatalf("PublishPaymentEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.PaymentEventMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.EventID != msg.EventID || payload.RequestID != msg.RequestID {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["sessionId"]; attr != "cs_test_1" {
		t.Fatalf("expected session attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["outcome"]; attr != "succeeded" {
		t.Fatalf("expected outcome attribute, got %q", attr)
	}
}
