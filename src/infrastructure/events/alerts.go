package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"jobmatch/src/core/alert"
)

// AlertPublisher sends operator alerts to a topic as JSON
type AlertPublisher struct {
	publisher message.Publisher
	topic     string
}

var _ alert.Notifier = (*AlertPublisher)(nil)

func NewAlertPublisher(publisher message.Publisher, topic string) *AlertPublisher {
	if topic == "" {
		topic = DefaultAlertTopic
	}
	return &AlertPublisher{publisher: publisher, topic: topic}
}

func (p *AlertPublisher) Notify(ctx context.Context, a alert.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("alert_kind", string(a.Kind))
	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}
