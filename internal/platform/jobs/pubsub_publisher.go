package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/checkspot/api/internal/services"
)

// PubSubPaymentEventPublisher publishes payment audit events to a Pub/Sub topic.
type PubSubPaymentEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubPaymentEventPublisher constructs a Pub/Sub backed payment event publisher.
func NewPubSubPaymentEventPublisher(topic *pubsub.Topic) (*PubSubPaymentEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub payment event publisher: topic is required")
	}
	return &PubSubPaymentEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishPaymentEvent enqueues a payment event message on the configured topic.
func (p *PubSubPaymentEventPublisher) PublishPaymentEvent(ctx context.Context, message services.PaymentEventMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub payment event publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal payment event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventId", message.EventID)
	setAttr(attrs, "requestId", message.RequestID)
	setAttr(attrs, "outcome", message.Outcome)
	setAttr(attrs, "currency", message.Currency)
	if session := strings.TrimSpace(message.SessionID); session != "" {
		attrs["sessionId"] = session
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish payment event: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
