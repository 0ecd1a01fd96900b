package queue

import (
	"context"
	"fmt"
)

// Publisher adapts a Broker to the topic-style publisher used for lifecycle
// events. The topic is the queue name.
type Publisher struct {
	broker Broker
	opts   PublishOptions
}

// NewPublisher wraps broker with fixed publish options.
func NewPublisher(broker Broker, opts PublishOptions) *Publisher {
	return &Publisher{broker: broker, opts: opts}
}

// Publish sends payload to the queue named topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.broker == nil {
		return "", fmt.Errorf("queue publisher is not configured")
	}
	if err := p.broker.Publish(ctx, topic, payload, p.opts); err != nil {
		return "", fmt.Errorf("send to queue %s: %w", topic, err)
	}
	return "", nil
}
