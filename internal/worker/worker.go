// Package worker drains the work queues, runs site units and reports run
// status back to the dispatcher.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/newswire/internal/metrics"
	"github.com/JakeFAU/newswire/internal/queue"
	"github.com/JakeFAU/newswire/internal/scrape"
)

// statusPublishTimeout bounds a status publish once the consumer context is gone.
const statusPublishTimeout = 5 * time.Second

// Resolver maps unit keys to units. *registry.Registry satisfies it.
type Resolver interface {
	Resolve(key string) (scrape.Scraper, error)
}

// Config controls Worker behavior.
type Config struct {
	RecentQueue  string
	ArchiveQueue string
	ArticleQueue string
	StatusQueue  string
	// Concurrency is the number of competing consumers per queue.
	Concurrency int
	// ArticleExpiration is the per-message expiration of article references.
	ArticleExpiration time.Duration
	// ConsumeArchive enables the archived-articles consumer.
	ConsumeArchive bool
	// ConsumeArticles enables the article detail consumer.
	ConsumeArticles bool
	BlobPrefix      string
	ContentType     string
	DefaultPages    int
}

func (c Config) withDefaults() Config {
	if c.RecentQueue == "" {
		c.RecentQueue = string(scrape.QueueRecentArticles)
	}
	if c.ArchiveQueue == "" {
		c.ArchiveQueue = string(scrape.QueueArchivedArticles)
	}
	if c.ArticleQueue == "" {
		c.ArticleQueue = string(scrape.QueueArticle)
	}
	if c.StatusQueue == "" {
		c.StatusQueue = "status-updates"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.ArticleExpiration <= 0 {
		c.ArticleExpiration = 24 * time.Hour
	}
	if c.BlobPrefix == "" {
		c.BlobPrefix = "articles"
	}
	if c.ContentType == "" {
		c.ContentType = "application/json"
	}
	if c.DefaultPages <= 0 {
		c.DefaultPages = 1
	}
	return c
}

// Worker consumes work messages and executes units. It holds no mutable state.
type Worker struct {
	broker    queue.Broker
	units     Resolver
	blobStore scrape.BlobStore
	hasher    scrape.Hasher
	clock     scrape.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	broker queue.Broker,
	units Resolver,
	blobStore scrape.BlobStore,
	hasher scrape.Hasher,
	clock scrape.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		broker:    broker,
		units:     units,
		blobStore: blobStore,
		hasher:    hasher,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// Config returns the effective configuration.
func (w *Worker) Config() Config {
	return w.cfg
}

// Queues returns the queues Run consumes, in start order.
func (w *Worker) Queues() []string {
	queues := []string{w.cfg.RecentQueue}
	if w.cfg.ConsumeArchive {
		queues = append(queues, w.cfg.ArchiveQueue)
	}
	if w.cfg.ConsumeArticles {
		queues = append(queues, w.cfg.ArticleQueue)
	}
	return queues
}

// Run starts Concurrency consumers per enabled queue and blocks until ctx ends
// or a consumer fails.
func (w *Worker) Run(ctx context.Context) error {
	handlers := map[string]queue.Handler{
		w.cfg.RecentQueue:  w.ConsumeRecentArticles,
		w.cfg.ArchiveQueue: w.ConsumeArchivedArticles,
		w.cfg.ArticleQueue: w.ConsumeArticle,
	}
	if len(handlers) != 3 {
		return fmt.Errorf("worker: queues %q, %q and %q must be distinct",
			w.cfg.RecentQueue, w.cfg.ArchiveQueue, w.cfg.ArticleQueue)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range w.Queues() {
		handler := handlers[name]
		for i := 0; i < w.cfg.Concurrency; i++ {
			g.Go(func() error {
				return w.consume(gctx, name, handler)
			})
		}
		w.logger.Info("consuming queue", zap.String("queue", name), zap.Int("consumers", w.cfg.Concurrency))
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	return nil
}

func (w *Worker) consume(ctx context.Context, name string, handler queue.Handler) (err error) {
	metrics.ConsumerStarted(name)
	defer metrics.ConsumerStopped(name)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer %s panicked: %v", name, r)
		}
	}()
	if err := w.broker.Consume(ctx, name, handler); err != nil {
		return fmt.Errorf("consume %s: %w", name, err)
	}
	return nil
}

// ConsumeRecentArticles runs one unit's recent listing scrape and fans the
// article references out to the article queue.
func (w *Worker) ConsumeRecentArticles(ctx context.Context, d queue.Delivery) {
	w.handleListing(ctx, w.cfg.RecentQueue, d, func(ctx context.Context, unit scrape.Scraper, _ scrape.WorkMessage) ([]scrape.BasicArticle, error) {
		articles, err := unit.ScrapeRecentArticles(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("scrape recent articles: %w", err)
		}
		return articles, nil
	})
}

// ConsumeArchivedArticles runs one unit's archive walk. Units without the
// archive capability are reported as failed.
func (w *Worker) ConsumeArchivedArticles(ctx context.Context, d queue.Delivery) {
	w.handleListing(ctx, w.cfg.ArchiveQueue, d, func(ctx context.Context, unit scrape.Scraper, msg scrape.WorkMessage) ([]scrape.BasicArticle, error) {
		archive, ok := scrape.SupportsArchive(unit)
		if !ok {
			return nil, fmt.Errorf("%w: %s", scrape.ErrArchiveUnsupported, unit.Key())
		}
		opts := scrape.ArchiveOptions{Pages: w.cfg.DefaultPages}
		if msg.Archive != nil && msg.Archive.Pages > 0 {
			opts = *msg.Archive
		}
		articles, err := archive.ScrapeArchivedArticles(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("scrape archived articles: %w", err)
		}
		return articles, nil
	})
}

type listingFunc func(ctx context.Context, unit scrape.Scraper, msg scrape.WorkMessage) ([]scrape.BasicArticle, error)

// handleListing is the shared shape of the listing consumers. The delivery is
// acknowledged whether the scrape succeeded or not.
func (w *Worker) handleListing(ctx context.Context, queueName string, d queue.Delivery, scrapeFn listingFunc) {
	defer w.ack(queueName, d)

	var msg scrape.WorkMessage
	if err := d.Decode(&msg); err != nil {
		metrics.ObserveWorkerMessage(queueName, "invalid")
		w.logger.Error("invalid work message", zap.String("queue", queueName), zap.Error(err))
		return
	}
	logger := w.logger.With(
		zap.String("queue", queueName),
		zap.String("unit", msg.UnitKey),
		zap.String("run_id", msg.RunID),
	)

	unit, err := w.units.Resolve(msg.UnitKey)
	if err != nil {
		metrics.ObserveWorkerMessage(queueName, "unknown_unit")
		logger.Error("unit not found", zap.Error(err))
		return
	}

	w.reportStatus(ctx, logger, msg.RunID, scrape.RunProcessing, nil)

	start := time.Now()
	articles, err := scrapeFn(ctx, unit, msg)
	metrics.ObserveScrape(queueName, unit.Key(), time.Since(start))
	if err == nil {
		err = w.publishArticles(ctx, unit.Key(), msg.RunID, articles)
	}
	if err != nil {
		metrics.ObserveWorkerMessage(queueName, "failed")
		logger.Error("unit run failed", zap.Error(err))
		w.reportStatus(ctx, logger, msg.RunID, scrape.RunFailed, err)
		return
	}

	metrics.ObserveWorkerMessage(queueName, "processed")
	logger.Info("unit run processed", zap.Int("articles", len(articles)))
	w.reportStatus(ctx, logger, msg.RunID, scrape.RunProcessed, nil)
}

func (w *Worker) publishArticles(ctx context.Context, unitKey, runID string, articles []scrape.BasicArticle) error {
	opts := queue.PublishOptions{Expiration: w.cfg.ArticleExpiration, Persistent: true}
	published := 0
	var errs []error
	for _, article := range articles {
		if article.Site == "" {
			article.Site = unitKey
		}
		msg := scrape.ArticleMessage{UnitKey: unitKey, RunID: runID, Article: article}
		if err := w.broker.Publish(ctx, w.cfg.ArticleQueue, msg, opts); err != nil {
			errs = append(errs, fmt.Errorf("publish article %s: %w", article.URL, err))
			continue
		}
		published++
	}
	metrics.ObserveArticlesPublished(unitKey, published)
	return errors.Join(errs...)
}

// reportStatus publishes on a context detached from ctx so a terminal status
// still reaches the dispatcher during shutdown.
func (w *Worker) reportStatus(ctx context.Context, logger *zap.Logger, runID string, status scrape.RunStatus, cause error) {
	if runID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusPublishTimeout)
	defer cancel()
	msg := scrape.StatusMessage{RunID: runID, Status: status}
	if cause != nil {
		msg.ErrorMessage = cause.Error()
	}
	if err := w.broker.Publish(ctx, w.cfg.StatusQueue, msg, queue.PublishOptions{Persistent: true}); err != nil {
		logger.Warn("publish status failed", zap.String("status", string(status)), zap.Error(err))
	}
}

// ConsumeArticle extracts one article and stores it in the blob store.
func (w *Worker) ConsumeArticle(ctx context.Context, d queue.Delivery) {
	queueName := w.cfg.ArticleQueue
	defer w.ack(queueName, d)

	var msg scrape.ArticleMessage
	if err := d.Decode(&msg); err != nil {
		metrics.ObserveWorkerMessage(queueName, "invalid")
		w.logger.Error("invalid article message", zap.Error(err))
		return
	}
	logger := w.logger.With(zap.String("unit", msg.UnitKey), zap.String("url", msg.Article.URL))

	unit, err := w.units.Resolve(msg.UnitKey)
	if err != nil {
		metrics.ObserveWorkerMessage(queueName, "unknown_unit")
		logger.Error("unit not found", zap.Error(err))
		return
	}

	start := time.Now()
	article, err := unit.ScrapeArticle(ctx, msg.Article)
	metrics.ObserveScrape(queueName, unit.Key(), time.Since(start))
	if err != nil {
		metrics.ObserveWorkerMessage(queueName, "failed")
		logger.Error("scrape article failed", zap.Error(err))
		return
	}
	if article == nil {
		metrics.ObserveWorkerMessage(queueName, "empty")
		logger.Debug("nothing extractable")
		return
	}

	uri, err := w.persistArticle(ctx, unit.Key(), article)
	if err != nil {
		metrics.ObserveWorkerMessage(queueName, "failed")
		logger.Error("persist article failed", zap.Error(err))
		return
	}
	metrics.ObserveWorkerMessage(queueName, "processed")
	logger.Info("article stored", zap.String("blob_uri", uri))
}

func (w *Worker) persistArticle(ctx context.Context, unitKey string, article *scrape.Article) (string, error) {
	if w.blobStore == nil {
		return "", errors.New("no blob store configured")
	}
	if article.URL == "" {
		return "", fmt.Errorf("%w: article url is empty", scrape.ErrValidation)
	}
	if article.ScrapedAt.IsZero() {
		article.ScrapedAt = w.clock.Now()
	}
	if article.Site == "" {
		article.Site = unitKey
	}
	body, err := json.Marshal(article)
	if err != nil {
		return "", fmt.Errorf("marshal article: %w", err)
	}
	hash, err := w.hasher.Hash([]byte(article.URL))
	if err != nil {
		return "", fmt.Errorf("hash article url: %w", err)
	}
	uri, err := w.blobStore.PutObject(ctx, w.buildBlobPath(unitKey, hash), w.cfg.ContentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return uri, nil
}

func (w *Worker) buildBlobPath(unitKey, hash string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.json", unitKey, hash)
	}
	return fmt.Sprintf("%s/%s/%s.json", prefix, unitKey, hash)
}

func (w *Worker) ack(queueName string, d queue.Delivery) {
	if err := d.Ack(); err != nil {
		w.logger.Warn("ack failed", zap.String("queue", queueName), zap.Error(err))
	}
}
