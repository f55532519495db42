package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/keymarket/api/internal/services"
)

// EventTypeOrderStatusChanged is the "type" attribute on order status messages.
const EventTypeOrderStatusChanged = "order.status.changed"

// PubSubOrderEventPublisher publishes order status events to a Pub/Sub topic.
type PubSubOrderEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubOrderEventPublisher wraps topic. Messages are ordered per order id when the
// topic has message ordering enabled.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order event publisher: topic is required")
	}
	return &PubSubOrderEventPublisher{topic: topic, marshal: json.Marshal}, nil
}

// PublishOrderStatusChanged sends event and waits for the server-assigned message id.
func (p *PubSubOrderEventPublisher) PublishOrderStatusChanged(ctx context.Context, event services.OrderStatusEvent) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub order event publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal order status event: %w", err)
	}

	attrs := map[string]string{"type": EventTypeOrderStatusChanged}
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "customerId", event.CustomerID)
	setAttr(attrs, "status", event.Status)

	msg := &pubsub.Message{Data: data, Attributes: attrs}
	if p.topic.EnableMessageOrdering {
		msg.OrderingKey = event.OrderID
	}

	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		if msg.OrderingKey != "" {
			p.topic.ResumePublish(msg.OrderingKey)
		}
		return "", fmt.Errorf("publish order status event: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
