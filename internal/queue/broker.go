// Package queue defines the durable message broker used between the
// dispatcher and workers. Implementations live in the memory and rabbitmq
// subpackages.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("queue closed")

// PublishOptions control per-message delivery.
type PublishOptions struct {
	// Expiration drops the message if it is not consumed in time. Zero means never.
	Expiration time.Duration
	// Persistent asks the broker to write the message to disk.
	Persistent bool
}

// Handler processes one delivery. It must Ack or Nack the delivery.
type Handler func(ctx context.Context, d Delivery)

// Broker publishes to and consumes from named durable queues.
type Broker interface {
	Publish(ctx context.Context, queue string, payload any, opts PublishOptions) error
	// Consume blocks, feeding deliveries to handler until ctx ends or the transport fails.
	Consume(ctx context.Context, queue string, handler Handler) error
	// Purge drops every ready message on queue and returns how many were removed.
	Purge(ctx context.Context, queue string) (int, error)
	Close() error
}

// Delivery is one message handed to a consumer.
type Delivery struct {
	Body        []byte
	Redelivered bool
	MessageID   string

	ack  func() error
	nack func(requeue bool) error
}

// NewDelivery wires the acknowledgement callbacks of a transport-specific message.
func NewDelivery(body []byte, redelivered bool, messageID string, ack func() error, nack func(bool) error) Delivery {
	return Delivery{
		Body:        body,
		Redelivered: redelivered,
		MessageID:   messageID,
		ack:         ack,
		nack:        nack,
	}
}

// Ack confirms the message was handled.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	if err := d.ack(); err != nil {
		return fmt.Errorf("ack delivery: %w", err)
	}
	return nil
}

// Nack rejects the message, optionally returning it to the queue.
func (d Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	if err := d.nack(requeue); err != nil {
		return fmt.Errorf("nack delivery: %w", err)
	}
	return nil
}

// Decode unmarshals the JSON body into v.
func (d Delivery) Decode(v any) error {
	if err := json.Unmarshal(d.Body, v); err != nil {
		return fmt.Errorf("decode delivery: %w", err)
	}
	return nil
}

// Encode marshals a payload the way every broker puts it on the wire.
func Encode(payload any) ([]byte, error) {
	if b, ok := payload.([]byte); ok {
		return b, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return body, nil
}
