// Package memory provides an in-process broker for local development and tests.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/newswire/internal/queue"
)

const (
	requeueTimeout = 5 * time.Second
	// fullRetryInterval is how often a publisher blocked on a full queue retries.
	fullRetryInterval = 10 * time.Millisecond
)

type envelope struct {
	id          string
	body        []byte
	expiresAt   time.Time
	redelivered bool
}

// Broker keeps one bounded channel per queue. Consumers on the same queue compete for messages.
type Broker struct {
	capacity int
	now      func() time.Time

	mu     sync.RWMutex
	queues map[string]chan envelope
	closed bool
	done   chan struct{}
	seq    atomic.Uint64
}

var _ queue.Broker = (*Broker)(nil)

// NewBroker constructs a broker whose queues hold up to capacity messages.
func NewBroker(capacity int) *Broker {
	if capacity <= 0 {
		capacity = 1
	}
	return &Broker{
		capacity: capacity,
		now:      time.Now,
		queues:   make(map[string]chan envelope),
		done:     make(chan struct{}),
	}
}

func (b *Broker) channel(name string) (chan envelope, error) {
	b.mu.RLock()
	ch, ok := b.queues[name]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, queue.ErrClosed
	}
	if ok {
		return ch, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, queue.ErrClosed
	}
	if ch, ok = b.queues[name]; !ok {
		ch = make(chan envelope, b.capacity)
		b.queues[name] = ch
	}
	return ch, nil
}

// Publish enqueues payload or returns if the context ends first.
func (b *Broker) Publish(ctx context.Context, name string, payload any, opts queue.PublishOptions) error {
	body, err := queue.Encode(payload)
	if err != nil {
		return err
	}
	env := envelope{
		id:   strconv.FormatUint(b.seq.Add(1), 10),
		body: body,
	}
	if opts.Expiration > 0 {
		env.expiresAt = b.now().Add(opts.Expiration)
	}
	return b.push(ctx, name, env)
}

// push waits for room on the queue. A full queue first sheds its expired
// messages, and the broker lock is not held while waiting.
func (b *Broker) push(ctx context.Context, name string, env envelope) error {
	ch, err := b.channel(name)
	if err != nil {
		return err
	}
	for {
		sent, err := b.trySend(ch, env)
		if err != nil || sent {
			return err
		}
		if b.dropExpired(ch) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("enqueue canceled: %w", ctx.Err())
		case <-b.done:
			return queue.ErrClosed
		case <-time.After(fullRetryInterval):
		}
	}
}

func (b *Broker) trySend(ch chan envelope, env envelope) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false, queue.ErrClosed
	}
	select {
	case ch <- env:
		return true, nil
	default:
		return false, nil
	}
}

// dropExpired removes expired messages from ch and keeps the rest in order.
// Publishers are excluded while it runs, so every kept message fits back.
func (b *Broker) dropExpired(ch chan envelope) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	now := b.now()
	var kept []envelope
	dropped := 0
	for drained := false; !drained; {
		select {
		case env := <-ch:
			if env.expired(now) {
				dropped++
				continue
			}
			kept = append(kept, env)
		default:
			drained = true
		}
	}
	for _, env := range kept {
		ch <- env
	}
	return dropped
}

func (e envelope) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Consume delivers messages to handler until ctx ends. Expired messages are dropped unseen.
func (b *Broker) Consume(ctx context.Context, name string, handler queue.Handler) error {
	ch, err := b.channel(name)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-ch:
			if !ok {
				return queue.ErrClosed
			}
			if env.expired(b.now()) {
				continue
			}
			handler(ctx, b.delivery(name, env))
		}
	}
}

func (b *Broker) delivery(name string, env envelope) queue.Delivery {
	var settled atomic.Bool
	ack := func() error {
		if !settled.CompareAndSwap(false, true) {
			return fmt.Errorf("delivery %s already settled", env.id)
		}
		return nil
	}
	nack := func(requeue bool) error {
		if !settled.CompareAndSwap(false, true) {
			return fmt.Errorf("delivery %s already settled", env.id)
		}
		if !requeue {
			return nil
		}
		env.redelivered = true
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), requeueTimeout)
			defer cancel()
			_ = b.push(ctx, name, env)
		}()
		return nil
	}
	return queue.NewDelivery(env.body, env.redelivered, env.id, ack, nack)
}

// Purge drains every ready message on the queue.
func (b *Broker) Purge(_ context.Context, name string) (int, error) {
	ch, err := b.channel(name)
	if err != nil {
		return 0, err
	}
	purged := 0
	for {
		select {
		case <-ch:
			purged++
		default:
			return purged, nil
		}
	}
}

// Len reports how many messages are waiting on the queue.
func (b *Broker) Len(name string) int {
	ch, err := b.channel(name)
	if err != nil {
		return 0
	}
	return len(ch)
}

// Close closes every queue. Closing twice is safe.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for _, ch := range b.queues {
		close(ch)
	}
	close(b.done)
	b.closed = true
	return nil
}
