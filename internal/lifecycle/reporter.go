// Package lifecycle publishes dispatcher and worker process transitions.
package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newswire/internal/metrics"
	"github.com/JakeFAU/newswire/internal/queue"
	"github.com/JakeFAU/newswire/internal/scrape"
)

// DefaultTopic is the queue lifecycle events are sent to.
const DefaultTopic = "lifecycle"

const publishTimeout = 5 * time.Second

// Target is one destination for lifecycle events.
type Target struct {
	Name      string
	Topic     string
	Publisher scrape.Publisher
}

// QueueTarget sends events to a broker queue with persistent delivery.
func QueueTarget(broker queue.Broker, topic string) Target {
	if topic == "" {
		topic = DefaultTopic
	}
	return Target{
		Name:      "queue",
		Topic:     topic,
		Publisher: queue.NewPublisher(broker, queue.PublishOptions{Persistent: true}),
	}
}

// Config identifies the reporting process.
type Config struct {
	Service  string
	Instance string
	HTTPPort int
}

// Reporter fans lifecycle events out to every target. Failures are logged only.
type Reporter struct {
	targets []Target
	cfg     Config
	clock   scrape.Clock
	logger  *zap.Logger
}

// New constructs a Reporter.
func New(cfg Config, clock scrape.Clock, logger *zap.Logger, targets ...Target) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		targets: targets,
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
	}
}

// Message builds the event for status. cause is only recorded for errored.
func (r *Reporter) Message(status scrape.LifecycleStatus, cause error) scrape.LifecycleMessage {
	msg := scrape.LifecycleMessage{
		Status:         status,
		Service:        r.cfg.Service,
		Instance:       r.cfg.Instance,
		HTTPServerPort: r.cfg.HTTPPort,
		Timestamp:      r.clock.Now(),
	}
	if cause != nil {
		msg.ErrorMessage = cause.Error()
	}
	return msg
}

// Report publishes status to every target and returns how many accepted it.
func (r *Reporter) Report(ctx context.Context, status scrape.LifecycleStatus, cause error) int {
	msg := r.Message(status, cause)
	metrics.ObserveLifecycle(r.cfg.Service, string(status))

	// shutdown reports run after the signal context is done
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	delivered := 0
	for _, target := range r.targets {
		if target.Publisher == nil {
			continue
		}
		if _, err := target.Publisher.Publish(pubCtx, target.Topic, msg); err != nil {
			r.logger.Warn("lifecycle publish failed",
				zap.String("target", target.Name),
				zap.String("status", string(status)),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	fields := []zap.Field{zap.String("status", string(status)), zap.Int("targets", delivered)}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	r.logger.Info("lifecycle", fields...)
	return delivered
}
