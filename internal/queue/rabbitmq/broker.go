// Package rabbitmq implements queue.Broker on RabbitMQ using amqp091-go.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/newswire/internal/queue"
)

// Config controls the AMQP connection and consumer behavior.
type Config struct {
	URL      string
	Prefetch int
}

type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	QueuePurge(name string, noWait bool) (int, error)
	Close() error
}

type connection interface {
	Channel() (channel, error)
	Close() error
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c amqpConnection) Channel() (channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

func (c amqpConnection) Close() error {
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}

// Broker publishes on a shared channel and opens one channel per consumer.
type Broker struct {
	cfg    Config
	conn   connection
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	pub      channel
	declared map[string]struct{}
	closed   bool
}

var _ queue.Broker = (*Broker)(nil)

// Dial connects to RabbitMQ.
func Dial(cfg Config, logger *zap.Logger) (*Broker, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbitmq.url is required")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	b, err := newBroker(cfg, amqpConnection{conn: conn}, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

func newBroker(cfg Config, conn connection, logger *zap.Logger) (*Broker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pub, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	return &Broker{
		cfg:      cfg,
		conn:     conn,
		logger:   logger.Named("rabbitmq"),
		now:      time.Now,
		pub:      pub,
		declared: make(map[string]struct{}),
	}, nil
}

func declare(ch channel, name string) error {
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}

// Publish declares the queue once and sends payload as JSON.
func (b *Broker) Publish(ctx context.Context, name string, payload any, opts queue.PublishOptions) error {
	body, err := queue.Encode(payload)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Body:         body,
		Timestamp:    b.now(),
	}
	if opts.Persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	if opts.Expiration > 0 {
		msg.Expiration = strconv.FormatInt(opts.Expiration.Milliseconds(), 10)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.ErrClosed
	}
	if _, ok := b.declared[name]; !ok {
		if err := declare(b.pub, name); err != nil {
			return err
		}
		b.declared[name] = struct{}{}
	}
	if err := b.pub.PublishWithContext(ctx, "", name, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", name, err)
	}
	return nil
}

// Consume opens a dedicated channel with manual acknowledgements and blocks until ctx ends.
func (b *Broker) Consume(ctx context.Context, name string, handler queue.Handler) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return queue.ErrClosed
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := ch.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			b.logger.Warn("close consumer channel", zap.String("queue", name), zap.Error(cerr))
		}
	}()

	if b.cfg.Prefetch > 0 {
		if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
			return fmt.Errorf("set qos: %w", err)
		}
	}
	if err := declare(ch, name); err != nil {
		return err
	}
	msgs, err := ch.Consume(name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", name, err)
	}
	b.logger.Info("consumer started", zap.String("queue", name), zap.Int("prefetch", b.cfg.Prefetch))

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("consume %s: delivery channel closed", name)
			}
			handler(ctx, toDelivery(msg))
		}
	}
}

func toDelivery(msg amqp.Delivery) queue.Delivery {
	id := msg.MessageId
	if id == "" {
		id = "rmq-" + strconv.FormatUint(msg.DeliveryTag, 10)
	}
	return queue.NewDelivery(msg.Body, msg.Redelivered, id,
		func() error { return msg.Ack(false) },
		func(requeue bool) error { return msg.Nack(false, requeue) },
	)
}

// Purge removes ready messages from the queue.
func (b *Broker) Purge(_ context.Context, name string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, queue.ErrClosed
	}
	if err := declare(b.pub, name); err != nil {
		return 0, err
	}
	b.declared[name] = struct{}{}
	n, err := b.pub.QueuePurge(name, false)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", name, err)
	}
	return n, nil
}

// Close closes the publish channel and the connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var errs []error
	if err := b.pub.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("close publish channel: %w", err))
	}
	if err := b.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
