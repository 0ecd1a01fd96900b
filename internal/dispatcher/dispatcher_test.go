package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/newswire/internal/hash/sha256"
	"github.com/JakeFAU/newswire/internal/queue"
	queuememory "github.com/JakeFAU/newswire/internal/queue/memory"
	"github.com/JakeFAU/newswire/internal/registry"
	"github.com/JakeFAU/newswire/internal/scrape"
	"github.com/JakeFAU/newswire/internal/storage/memory"
	"github.com/JakeFAU/newswire/internal/store"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("run-%03d", s.n), nil
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type published struct {
	queue string
	msg   scrape.WorkMessage
	opts  queue.PublishOptions
}

type recordingBroker struct {
	mu        sync.Mutex
	published []published
	failFor   map[string]error
}

func (b *recordingBroker) Publish(_ context.Context, name string, payload any, opts queue.PublishOptions) error {
	msg, ok := payload.(scrape.WorkMessage)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}
	if err := b.failFor[msg.UnitKey]; err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, published{queue: name, msg: msg, opts: opts})
	return nil
}

func (b *recordingBroker) Consume(ctx context.Context, _ string, _ queue.Handler) error {
	<-ctx.Done()
	return nil
}

func (b *recordingBroker) Purge(context.Context, string) (int, error) { return 0, nil }
func (b *recordingBroker) Close() error                               { return nil }

func (b *recordingBroker) units() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.published))
	for i, p := range b.published {
		out[i] = p.msg.UnitKey
	}
	return out
}

type failingLedger struct {
	store.RunRepository
	err error
}

func (f failingLedger) LatestPerHash(context.Context, scrape.QueueType) ([]scrape.Run, error) {
	return nil, f.err
}

func newLedger() *memory.RunStore {
	return memory.NewRunStore(&seqIDs{}, sha256.New(), &stepClock{now: time.Unix(1700000000, 0).UTC()})
}

var recentSchedule = Schedule{Type: scrape.QueueRecentArticles, Interval: 30 * time.Second}

func newTestDispatcher(ledger store.RunRepository, broker queue.Broker, reg *registry.Registry, schedules ...Schedule) *Dispatcher {
	return New(
		ledger,
		broker,
		reg,
		&stepClock{now: time.Unix(1800000000, 0).UTC()},
		Config{Schedules: schedules},
		zap.NewNop(),
	)
}

func statusDelivery(t *testing.T, msg any, acks *atomic.Int32) queue.Delivery {
	t.Helper()
	var body []byte
	switch v := msg.(type) {
	case []byte:
		body = v
	default:
		var err error
		body, err = json.Marshal(v)
		require.NoError(t, err)
	}
	return queue.NewDelivery(body, false, "msg", func() error {
		acks.Add(1)
		return nil
	}, func(bool) error {
		t.Fatal("status messages must never be nacked")
		return nil
	})
}

func TestTickDispatchesEveryUnitWithPendingRun(t *testing.T) {
	t.Parallel()

	ledger := newLedger()
	broker := &recordingBroker{}
	d := newTestDispatcher(ledger, broker, mustRegistry(t, "A", "B", "C"), recentSchedule)

	res, err := d.Tick(context.Background(), recentSchedule)
	require.NoError(t, err)
	require.Equal(t, TickResult{Dispatched: 3}, res)
	require.Equal(t, []string{"A", "B", "C"}, broker.units())

	for _, p := range broker.published {
		require.Equal(t, "recent-articles", p.queue)
		require.Equal(t, queue.PublishOptions{Expiration: 30 * time.Second, Persistent: true}, p.opts)
		require.Nil(t, p.msg.Archive)

		run, err := ledger.Get(context.Background(), p.msg.RunID)
		require.NoError(t, err)
		require.Equal(t, scrape.RunPending, run.Status)
		require.Equal(t, p.msg.UnitKey, run.UnitKey())
		require.NotEmpty(t, run.Hash)
	}
}

func TestTickSkipsInFlightUnits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := newLedger()
	broker := &recordingBroker{}
	d := newTestDispatcher(ledger, broker, mustRegistry(t, "A", "B", "C"), recentSchedule)

	_, err := d.Tick(ctx, recentSchedule)
	require.NoError(t, err)

	var acks atomic.Int32
	first := broker.published[0].msg
	d.HandleStatus(ctx, statusDelivery(t, scrape.StatusMessage{RunID: first.RunID, Status: scrape.RunProcessing}, &acks))
	require.EqualValues(t, 1, acks.Load())

	broker.published = nil
	res, err := d.Tick(ctx, recentSchedule)
	require.NoError(t, err)
	require.Equal(t, 1, res.InFlight)
	require.Equal(t, []string{"B", "C"}, broker.units())
}

func TestTickContinuesAfterPublishFailure(t *testing.T) {
	t.Parallel()

	ledger := newLedger()
	broker := &recordingBroker{failFor: map[string]error{"B": errors.New("channel closed")}}
	d := newTestDispatcher(ledger, broker, mustRegistry(t, "A", "B", "C"), recentSchedule)

	res, err := d.Tick(context.Background(), recentSchedule)
	require.NoError(t, err)
	require.Equal(t, 2, res.Dispatched)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, []string{"A", "C"}, broker.units())
}

func TestTickReturnsLedgerErrors(t *testing.T) {
	t.Parallel()

	broker := &recordingBroker{}
	ledger := failingLedger{err: errors.New("db down")}
	d := newTestDispatcher(ledger, broker, mustRegistry(t, "A"), recentSchedule)

	_, err := d.Tick(context.Background(), recentSchedule)
	require.ErrorContains(t, err, "db down")
	require.Empty(t, broker.units())
}

func TestTickEmptyRegistryIsNoop(t *testing.T) {
	t.Parallel()

	broker := &recordingBroker{}
	d := newTestDispatcher(newLedger(), broker, mustRegistry(t), recentSchedule)

	res, err := d.Tick(context.Background(), recentSchedule)
	require.NoError(t, err)
	require.Equal(t, TickResult{}, res)
}

func TestTickArchiveOnlyDispatchesCapableUnits(t *testing.T) {
	t.Parallel()

	reg, err := registry.New(
		fakeUnit{key: "A"},
		fakeArchiveUnit{fakeUnit{key: "B"}},
	)
	require.NoError(t, err)
	archive := Schedule{Type: scrape.QueueArchivedArticles, Interval: 6 * time.Hour, Pages: 3}
	broker := &recordingBroker{}
	d := newTestDispatcher(newLedger(), broker, reg, archive)

	units, err := d.SortedUnits(context.Background(), scrape.QueueArchivedArticles)
	require.NoError(t, err)
	require.Equal(t, []string{"B"}, keys(units))

	_, err = d.Tick(context.Background(), archive)
	require.NoError(t, err)
	require.Len(t, broker.published, 1)
	require.Equal(t, "archived-articles", broker.published[0].queue)
	require.Equal(t, &scrape.ArchiveOptions{Pages: 3}, broker.published[0].msg.Archive)
	require.Equal(t, 6*time.Hour, broker.published[0].opts.Expiration)
}

func TestHandleStatusAppliesTransitions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := newLedger()
	d := newTestDispatcher(ledger, &recordingBroker{}, mustRegistry(t, "A"), recentSchedule)

	run, err := ledger.Insert(ctx, scrape.Run{
		Type:      scrape.QueueRecentArticles,
		Arguments: map[string]any{scrape.ArgumentUnitKey: "A"},
	})
	require.NoError(t, err)

	var acks atomic.Int32
	d.HandleStatus(ctx, statusDelivery(t, scrape.StatusMessage{RunID: run.ID, Status: scrape.RunProcessing}, &acks))
	got, err := ledger.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, scrape.RunProcessing, got.Status)
	require.NotNil(t, got.StartedAt)

	d.HandleStatus(ctx, statusDelivery(t, scrape.StatusMessage{
		RunID:        run.ID,
		Status:       scrape.RunFailed,
		ErrorMessage: "selector missing",
	}, &acks))
	got, err = ledger.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, scrape.RunFailed, got.Status)
	require.NotNil(t, got.FailedAt)
	require.Equal(t, "selector missing", *got.FailedErrorMessage)
	require.EqualValues(t, 2, acks.Load())
}

func TestHandleStatusAlwaysAcks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := newLedger()
	d := newTestDispatcher(ledger, &recordingBroker{}, mustRegistry(t, "A"), recentSchedule)

	var acks atomic.Int32
	d.HandleStatus(ctx, statusDelivery(t, []byte("{not json"), &acks))
	d.HandleStatus(ctx, statusDelivery(t, scrape.StatusMessage{RunID: "missing", Status: scrape.RunProcessed}, &acks))
	d.HandleStatus(ctx, statusDelivery(t, map[string]string{"runId": "x", "status": "exploded"}, &acks))

	require.EqualValues(t, 3, acks.Load())
	latest, err := ledger.LatestPerHash(ctx, scrape.QueueRecentArticles)
	require.NoError(t, err)
	require.Empty(t, latest)
}

func TestRunTicksImmediatelyAndConsumesStatus(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger := newLedger()
	broker := queuememory.NewBroker(16)
	schedule := Schedule{Type: scrape.QueueRecentArticles, Interval: time.Hour}
	d := newTestDispatcher(ledger, broker, mustRegistry(t, "A", "B"), schedule)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return broker.Len("recent-articles") == 2
	}, time.Second, 10*time.Millisecond)

	latest, err := ledger.LatestPerHash(ctx, scrape.QueueRecentArticles)
	require.NoError(t, err)
	require.Len(t, latest, 2)

	runID := latest[0].ID
	require.NoError(t, broker.Publish(ctx, DefaultStatusQueue,
		scrape.StatusMessage{RunID: runID, Status: scrape.RunProcessed}, queue.PublishOptions{}))

	require.Eventually(t, func() bool {
		run, err := ledger.Get(ctx, runID)
		return err == nil && run.Status == scrape.RunProcessed
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestRunRequiresSchedules(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(newLedger(), &recordingBroker{}, mustRegistry(t, "A"))
	require.Error(t, d.Run(context.Background()))

	bad := newTestDispatcher(newLedger(), &recordingBroker{}, mustRegistry(t, "A"), Schedule{Type: scrape.QueueRecentArticles})
	require.ErrorContains(t, bad.Run(context.Background()), "no interval")
}
