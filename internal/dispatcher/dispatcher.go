// Package dispatcher schedules site units onto the work queues and keeps the
// run ledger current from worker status updates.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/newswire/internal/metrics"
	"github.com/JakeFAU/newswire/internal/queue"
	"github.com/JakeFAU/newswire/internal/scrape"
	"github.com/JakeFAU/newswire/internal/store"
)

// DefaultStatusQueue is the queue workers report run transitions on.
const DefaultStatusQueue = "status-updates"

// Schedule describes one periodic dispatch.
type Schedule struct {
	// Type is the ledger queue type of the runs created.
	Type scrape.QueueType
	// Queue is the work queue name. Defaults to the string form of Type.
	Queue string
	// Interval is the tick period and the expiration of each work message.
	Interval time.Duration
	// Pages bounds archive scrapes. Ignored for other queue types.
	Pages int
}

// QueueName returns the work queue for the schedule.
func (s Schedule) QueueName() string {
	if s.Queue != "" {
		return s.Queue
	}
	return string(s.Type)
}

// Config controls Dispatcher behavior.
type Config struct {
	Schedules   []Schedule
	StatusQueue string
}

// TickResult summarizes one dispatch tick.
type TickResult struct {
	Dispatched int
	Failed     int
	InFlight   int
}

// Dispatcher computes the fairness order, records pending runs and publishes work.
type Dispatcher struct {
	ledger   store.RunRepository
	broker   queue.Broker
	registry UnitSet
	clock    scrape.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Dispatcher.
func New(
	ledger store.RunRepository,
	broker queue.Broker,
	registry UnitSet,
	clock scrape.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StatusQueue == "" {
		cfg.StatusQueue = DefaultStatusQueue
	}
	return &Dispatcher{
		ledger:   ledger,
		broker:   broker,
		registry: registry,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config {
	return d.cfg
}

// SortedUnits returns the units the next tick for queueType would dispatch, in order.
func (d *Dispatcher) SortedUnits(ctx context.Context, queueType scrape.QueueType) ([]scrape.Scraper, error) {
	units, _, err := d.sorted(ctx, queueType)
	return units, err
}

func (d *Dispatcher) sorted(ctx context.Context, queueType scrape.QueueType) ([]scrape.Scraper, int, error) {
	latest, err := d.ledger.LatestPerHash(ctx, queueType)
	if err != nil {
		return nil, 0, fmt.Errorf("load latest runs: %w", err)
	}
	ordered := SortUnits(latest, d.registry)
	eligible := ordered[:0]
	for _, unit := range ordered {
		if Eligible(queueType, unit) {
			eligible = append(eligible, unit)
		}
	}
	return eligible, countInFlight(latest, d.registry), nil
}

// Eligible reports whether unit can serve queueType. Archive runs need the archive capability.
func Eligible(queueType scrape.QueueType, unit scrape.Scraper) bool {
	if queueType == scrape.QueueArchivedArticles {
		_, ok := scrape.SupportsArchive(unit)
		return ok
	}
	return true
}

// Tick dispatches every eligible unit once. Per-unit failures are logged and
// counted; only a failure to read the ledger is returned.
func (d *Dispatcher) Tick(ctx context.Context, schedule Schedule) (TickResult, error) {
	queueName := schedule.QueueName()
	metrics.ObserveTick(queueName)

	units, inFlight, err := d.sorted(ctx, schedule.Type)
	if err != nil {
		metrics.ObserveDispatchError(queueName, "ledger")
		return TickResult{}, err
	}
	result := TickResult{InFlight: inFlight}
	metrics.ObserveSkipped(queueName, inFlight)

	if len(units) == 0 {
		d.logger.Info("no units to dispatch", zap.String("queue", queueName), zap.Int("in_flight", inFlight))
		return result, nil
	}

	for _, unit := range units {
		if ctx.Err() != nil {
			return result, nil
		}
		if err := d.dispatch(ctx, schedule, unit); err != nil {
			result.Failed++
			d.logger.Error("dispatch unit failed",
				zap.String("queue", queueName),
				zap.String("unit", unit.Key()),
				zap.Error(err),
			)
			continue
		}
		result.Dispatched++
		metrics.ObserveDispatched(queueName)
	}

	d.logger.Info("dispatch tick complete",
		zap.String("queue", queueName),
		zap.Int("dispatched", result.Dispatched),
		zap.Int("failed", result.Failed),
		zap.Int("in_flight", result.InFlight),
	)
	return result, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, schedule Schedule, unit scrape.Scraper) error {
	queueName := schedule.QueueName()
	run, err := d.ledger.Insert(ctx, scrape.Run{
		Type:      schedule.Type,
		Arguments: map[string]any{scrape.ArgumentUnitKey: unit.Key()},
	})
	if err != nil {
		metrics.ObserveDispatchError(queueName, "insert")
		return fmt.Errorf("insert run: %w", err)
	}

	msg := scrape.WorkMessage{UnitKey: unit.Key(), RunID: run.ID}
	if schedule.Type == scrape.QueueArchivedArticles {
		msg.Archive = &scrape.ArchiveOptions{Pages: schedule.Pages}
	}
	opts := queue.PublishOptions{Expiration: schedule.Interval, Persistent: true}
	if err := d.broker.Publish(ctx, queueName, msg, opts); err != nil {
		metrics.ObserveDispatchError(queueName, "publish")
		return fmt.Errorf("publish work message: %w", err)
	}
	d.logger.Debug("unit dispatched",
		zap.String("queue", queueName),
		zap.String("unit", unit.Key()),
		zap.String("run_id", run.ID),
	)
	return nil
}

// HandleStatus applies one status message to the ledger. The delivery is
// acknowledged in every case so that unknown runs never block the queue.
func (d *Dispatcher) HandleStatus(ctx context.Context, delivery queue.Delivery) {
	defer func() {
		if err := delivery.Ack(); err != nil {
			d.logger.Warn("ack status message failed", zap.Error(err))
		}
	}()

	var msg scrape.StatusMessage
	if err := delivery.Decode(&msg); err != nil {
		metrics.ObserveStatusUpdate("unknown", "invalid")
		d.logger.Error("invalid status message", zap.Error(err))
		return
	}
	outcome, err := d.applyStatus(ctx, msg)
	metrics.ObserveStatusUpdate(string(msg.Status), outcome)
	if err != nil {
		d.logger.Error("apply status update failed",
			zap.String("run_id", msg.RunID),
			zap.String("status", string(msg.Status)),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) applyStatus(ctx context.Context, msg scrape.StatusMessage) (string, error) {
	if msg.RunID == "" || !msg.Status.Valid() {
		return "invalid", fmt.Errorf("%w: run %q status %q", scrape.ErrValidation, msg.RunID, msg.Status)
	}
	if _, err := d.ledger.Get(ctx, msg.RunID); err != nil {
		if store.IsNotFound(err) {
			d.logger.Warn("status update for unknown run", zap.String("run_id", msg.RunID))
			return "unknown_run", nil
		}
		return "error", fmt.Errorf("get run: %w", err)
	}
	update := store.StatusUpdate{
		ID:           msg.RunID,
		Status:       msg.Status,
		At:           d.clock.Now(),
		ErrorMessage: msg.ErrorMessage,
	}
	if err := d.ledger.UpdateStatus(ctx, update); err != nil {
		return "error", fmt.Errorf("update run status: %w", err)
	}
	return "applied", nil
}

// Run starts one ticker per schedule and the status consumer, blocking until
// ctx ends or a component fails.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.cfg.Schedules) == 0 {
		return errors.New("dispatcher: no schedules configured")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, schedule := range d.cfg.Schedules {
		if schedule.Interval <= 0 {
			return fmt.Errorf("dispatcher: schedule %s has no interval", schedule.Type)
		}
		g.Go(func() error {
			return d.runSchedule(gctx, schedule)
		})
	}
	g.Go(func() error {
		metrics.ConsumerStarted(d.cfg.StatusQueue)
		defer metrics.ConsumerStopped(d.cfg.StatusQueue)
		if err := d.broker.Consume(gctx, d.cfg.StatusQueue, d.HandleStatus); err != nil {
			return fmt.Errorf("consume %s: %w", d.cfg.StatusQueue, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	return nil
}

// runSchedule ticks immediately and then every interval until ctx ends. Tick
// errors are logged; a panic inside a tick ends the schedule with an error.
func (d *Dispatcher) runSchedule(ctx context.Context, schedule Schedule) error {
	ticker := time.NewTicker(schedule.Interval)
	defer ticker.Stop()

	d.logger.Info("dispatch schedule started",
		zap.String("queue", schedule.QueueName()),
		zap.Duration("interval", schedule.Interval),
	)
	for {
		if err := d.guardedTick(ctx, schedule); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) guardedTick(ctx context.Context, schedule Schedule) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ObserveDispatchError(schedule.QueueName(), "panic")
			err = fmt.Errorf("dispatch tick %s panicked: %v", schedule.QueueName(), r)
		}
	}()
	if _, tickErr := d.Tick(ctx, schedule); tickErr != nil && ctx.Err() == nil {
		d.logger.Error("dispatch tick failed", zap.String("queue", schedule.QueueName()), zap.Error(tickErr))
	}
	return nil
}
