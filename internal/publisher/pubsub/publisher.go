// Package pubsub mirrors lifecycle events to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"google.golang.org/api/option"
)

// AttributeFunc derives message attributes from a payload.
type AttributeFunc func(payload any) map[string]string

// Option configures a Publisher.
type Option func(*Publisher)

// WithAttributes sets the attribute function applied to every message.
func WithAttributes(fn AttributeFunc) Option {
	return func(p *Publisher) {
		p.attributes = fn
	}
}

// Publisher wraps a Pub/Sub publisher client.
type Publisher struct {
	client     *pubsub.Client
	publisher  *pubsub.Publisher
	attributes AttributeFunc
}

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher, opts ...Option) *Publisher {
	p := &Publisher{publisher: publisher}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dial opens a client for projectID and returns a Publisher bound to topicID.
// Close releases both.
func Dial(ctx context.Context, projectID, topicID string, clientOpts []option.ClientOption, opts ...Option) (*Publisher, error) {
	if projectID == "" || topicID == "" {
		return nil, fmt.Errorf("pubsub project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	p := New(client.Publisher(topicID), opts...)
	p.client = client
	return p, nil
}

// Publish marshals the payload to JSON and publishes it to the topic.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data}
	if p.attributes != nil {
		msg.Attributes = p.attributes(payload)
	}

	result := p.publisher.Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages and closes the client when Dial created it.
func (p *Publisher) Close() error {
	if p.publisher != nil {
		p.publisher.Stop()
	}
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
