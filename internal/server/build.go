package server

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/newswire/internal/api"
	"github.com/JakeFAU/newswire/internal/clock/system"
	"github.com/JakeFAU/newswire/internal/config"
	"github.com/JakeFAU/newswire/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/newswire/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/newswire/internal/fetcher/headless"
	"github.com/JakeFAU/newswire/internal/hash/sha256"
	"github.com/JakeFAU/newswire/internal/headless/detector"
	"github.com/JakeFAU/newswire/internal/id/uuid"
	"github.com/JakeFAU/newswire/internal/lifecycle"
	"github.com/JakeFAU/newswire/internal/logging"
	"github.com/JakeFAU/newswire/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/newswire/internal/publisher/pubsub"
	"github.com/JakeFAU/newswire/internal/queue"
	queuememory "github.com/JakeFAU/newswire/internal/queue/memory"
	"github.com/JakeFAU/newswire/internal/queue/rabbitmq"
	"github.com/JakeFAU/newswire/internal/registry"
	"github.com/JakeFAU/newswire/internal/scrape"
	"github.com/JakeFAU/newswire/internal/sites"
	gcsstorage "github.com/JakeFAU/newswire/internal/storage/gcs"
	localstorage "github.com/JakeFAU/newswire/internal/storage/local"
	memorystorage "github.com/JakeFAU/newswire/internal/storage/memory"
	pgstore "github.com/JakeFAU/newswire/internal/storage/postgres"
	"github.com/JakeFAU/newswire/internal/store"
	"github.com/JakeFAU/newswire/internal/worker"
)

// Option adjusts Build. Tests use it to inject collaborators.
type Option func(*buildOptions)

type buildOptions struct {
	logger     *zap.Logger
	broker     queue.Broker
	targets    []lifecycle.Target
	components []component
	units      []scrape.Scraper
}

// WithLogger replaces the logger Build would create from config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = logger }
}

// WithBroker replaces the broker Build would open from config. The App closes
// it on shutdown.
func WithBroker(broker queue.Broker) Option {
	return func(o *buildOptions) { o.broker = broker }
}

// WithLifecycleTarget adds a lifecycle destination next to the configured ones.
func WithLifecycleTarget(target lifecycle.Target) Option {
	return func(o *buildOptions) { o.targets = append(o.targets, target) }
}

// WithComponent runs an extra long-lived component alongside the role's own.
func WithComponent(name string, run func(ctx context.Context) error) Option {
	return func(o *buildOptions) { o.components = append(o.components, component{name: name, run: run}) }
}

// WithUnits registers units in addition to the configured sites.
func WithUnits(units ...scrape.Scraper) Option {
	return func(o *buildOptions) { o.units = append(o.units, units...) }
}

// Build creates every dependency the role needs. On error, whatever was
// already opened is closed before returning.
func Build(ctx context.Context, cfg config.Config, role Role, opts ...Option) (_ *App, err error) {
	if !role.Valid() {
		return nil, fmt.Errorf("unknown role %q", role)
	}
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger, err = logging.New(logging.Options{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
			Service:     string(role),
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}

	a := &App{
		cfg:    cfg,
		role:   role,
		logger: logger,
		clock:  system.New(),
	}
	defer func() {
		if err != nil {
			a.closeInfrastructure()
		}
	}()
	a.logger.Info("building application dependencies",
		zap.String("role", string(role)),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.Int("sites", len(cfg.Sites)),
	)

	if a.broker = o.broker; a.broker == nil {
		if a.broker, err = setupBroker(a); err != nil {
			return nil, err
		}
	}
	units, err := setupRegistry(ctx, a, o.units)
	if err != nil {
		return nil, err
	}

	var ledger api.RunReader
	var scheduler api.Scheduler
	switch role {
	case RoleDispatcher:
		if a.ledger, err = setupLedger(ctx, a); err != nil {
			return nil, err
		}
		ledger = a.ledger
		a.dispatch = setupDispatcher(a, units)
		scheduler = a.dispatch
		a.components = append(a.components, component{name: "dispatcher", run: a.dispatch.Run})
	case RoleWorker:
		blobStore, err := setupStorage(ctx, a)
		if err != nil {
			return nil, err
		}
		w := setupWorker(a, units, blobStore)
		a.components = append(a.components, component{name: "worker", run: w.Run})
	}
	a.components = append(a.components, o.components...)

	targets, err := setupLifecycleTargets(ctx, a)
	if err != nil {
		return nil, err
	}
	a.reporter = lifecycle.New(lifecycle.Config{
		Service:  string(role),
		Instance: uuid.Instance(),
		HTTPPort: cfg.Server.Port,
	}, a.clock, logger.Named("lifecycle"), append(targets, o.targets...)...)

	a.api = api.NewServer(ledger, scheduler, logger.Named("api"))
	return a, nil
}

func setupBroker(app *App) (queue.Broker, error) {
	switch app.cfg.Queue.Backend {
	case "memory":
		app.logger.Info("using in-memory broker", zap.Int("capacity", app.cfg.Queue.Capacity))
		return queuememory.NewBroker(app.cfg.Queue.Capacity), nil
	default:
		broker, err := rabbitmq.Dial(rabbitmq.Config{
			URL:      app.cfg.RabbitMQ.URL,
			Prefetch: app.cfg.RabbitMQ.Prefetch,
		}, app.logger.Named("rabbitmq"))
		if err != nil {
			return nil, fmt.Errorf("rabbitmq init failed: %w", err)
		}
		app.logger.Info("connected to rabbitmq", zap.Int("prefetch", app.cfg.RabbitMQ.Prefetch))
		return broker, nil
	}
}

func setupLedger(ctx context.Context, app *App) (store.RunRepository, error) {
	if app.cfg.DB.Driver == "memory" {
		app.logger.Warn("using in-memory run ledger; runs are lost on restart")
	}
	ledger, err := OpenLedger(ctx, app.cfg, app.clock)
	if err != nil {
		return nil, err
	}
	app.logger.Info("run ledger ready", zap.String("driver", app.cfg.DB.Driver), zap.String("table", app.cfg.DB.Table))
	return ledger, nil
}

// OpenLedger connects to the configured run ledger. The Postgres ledger is
// pinged before it is returned.
func OpenLedger(ctx context.Context, cfg config.Config, clock scrape.Clock) (store.RunRepository, error) {
	ids := uuid.New()
	hasher := sha256.New()
	if cfg.DB.Driver == "memory" {
		return memorystorage.NewRunStore(ids, hasher, clock), nil
	}
	ledger, err := pgstore.NewRunStore(ctx, pgstore.Config{
		DSN:             cfg.DB.DSN,
		Table:           cfg.DB.Table,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
	}, ids, hasher, clock)
	if err != nil {
		return nil, fmt.Errorf("run ledger init failed: %w", err)
	}
	return ledger, nil
}

// SiteDeps builds the fetch stack shared by every configured site.
func SiteDeps(cfg config.Config, logger *zap.Logger) (sites.Deps, func(), error) {
	deps := sites.Deps{
		Fetcher: collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Fetch.UserAgent,
			RespectRobots: cfg.Fetch.RespectRobots,
			Timeout:       cfg.Fetch.Timeout,
		}),
		Limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Fetch.RatePerSecond,
			DefaultBurst: cfg.Fetch.Burst,
			Domains:      cfg.Fetch.DomainRates,
		}),
		Retry:  scrape.NewExponentialRetryPolicy(cfg.Fetch.MaxAttempts, cfg.Fetch.BackoffInitial, cfg.Fetch.BackoffMax),
		Clock:  system.New(),
		Logger: logger,
	}
	release := func() {}
	if cfg.Headless.Enabled {
		headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
		})
		if err != nil {
			return sites.Deps{}, release, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		deps.Headless = headless
		release = headless.Close
		if cfg.Headless.AutoPromote {
			deps.Promoter = detector.NewHeuristic(cfg.Headless.PromoteThreshold)
		}
	}
	return deps, release, nil
}

func setupRegistry(ctx context.Context, app *App, extra []scrape.Scraper) (*registry.Registry, error) {
	reg, release, err := OpenRegistry(ctx, app.cfg, app.logger.Named("sites"), extra...)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, closer{name: "headless", close: func() error { release(); return nil }})
	app.logger.Info("registry loaded", zap.Strings("units", reg.Keys()))
	return reg, nil
}

// OpenRegistry builds the configured sites plus extra into a registry. The
// returned release func stops the headless browser, if one was started.
func OpenRegistry(
	ctx context.Context,
	cfg config.Config,
	logger *zap.Logger,
	extra ...scrape.Scraper,
) (*registry.Registry, func(), error) {
	deps, release, err := SiteDeps(cfg, logger)
	if err != nil {
		return nil, release, err
	}
	units, err := sites.NewProvider(cfg.Sites, deps).Units(ctx)
	if err != nil {
		release()
		return nil, func() {}, fmt.Errorf("build sites: %w", err)
	}
	reg, err := registry.Load(ctx, registry.StaticProvider(append(units, extra...)))
	if err != nil {
		release()
		return nil, func() {}, fmt.Errorf("registry init failed: %w", err)
	}
	return reg, release, nil
}

// Schedules derives the dispatch schedules from config.
func Schedules(cfg config.Config) []dispatcher.Schedule {
	schedules := []dispatcher.Schedule{{
		Type:     scrape.QueueRecentArticles,
		Queue:    cfg.Queues.RecentArticles,
		Interval: cfg.Scheduler.Interval,
	}}
	if cfg.Scheduler.Archive.Enabled {
		schedules = append(schedules, dispatcher.Schedule{
			Type:     scrape.QueueArchivedArticles,
			Queue:    cfg.Queues.ArchivedArticles,
			Interval: cfg.Scheduler.Archive.Interval,
			Pages:    cfg.Scheduler.Archive.Pages,
		})
	}
	return schedules
}

func setupDispatcher(app *App, units *registry.Registry) *dispatcher.Dispatcher {
	schedules := Schedules(app.cfg)
	for _, s := range schedules {
		app.logger.Info("dispatch schedule",
			zap.String("queue", s.QueueName()),
			zap.Duration("interval", s.Interval),
		)
	}
	return dispatcher.New(app.ledger, app.broker, units, app.clock, dispatcher.Config{
		Schedules:   schedules,
		StatusQueue: app.cfg.Queues.StatusUpdates,
	}, app.logger.Named("dispatcher"))
}

func setupStorage(ctx context.Context, app *App) (scrape.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.closers = append(app.closers, closer{name: "gcs", close: client.Close})
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: app.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("using GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
		return blobStore, nil
	case "local":
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local storage backend", zap.String("path", app.cfg.Storage.BaseDir))
		return blobStore, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupWorker(app *App, units *registry.Registry, blobStore scrape.BlobStore) *worker.Worker {
	cfg := worker.Config{
		RecentQueue:       app.cfg.Queues.RecentArticles,
		ArchiveQueue:      app.cfg.Queues.ArchivedArticles,
		ArticleQueue:      app.cfg.Queues.Article,
		StatusQueue:       app.cfg.Queues.StatusUpdates,
		Concurrency:       app.cfg.Worker.Concurrency,
		ArticleExpiration: app.cfg.Worker.ArticleExpiration,
		ConsumeArchive:    app.cfg.Worker.ConsumeArchive,
		ConsumeArticles:   app.cfg.Worker.ConsumeArticles,
		BlobPrefix:        app.cfg.Storage.Prefix,
		ContentType:       app.cfg.Storage.ContentType,
		DefaultPages:      app.cfg.Scheduler.Archive.Pages,
	}
	w := worker.New(app.broker, units, blobStore, sha256.New(), app.clock, cfg, app.logger.Named("worker"))
	app.logger.Info("worker config",
		zap.Strings("queues", w.Queues()),
		zap.Int("concurrency", w.Config().Concurrency),
	)
	return w
}

func setupLifecycleTargets(ctx context.Context, app *App) ([]lifecycle.Target, error) {
	targets := []lifecycle.Target{lifecycle.QueueTarget(app.broker, app.cfg.Queues.Lifecycle)}
	if !app.cfg.PubSub.Enabled() {
		return targets, nil
	}
	service := string(app.role)
	publisher, err := gcppublisher.Dial(ctx, app.cfg.PubSub.ProjectID, app.cfg.PubSub.LifecycleTopic, nil,
		gcppublisher.WithAttributes(func(payload any) map[string]string {
			attrs := map[string]string{"service": service}
			if msg, ok := payload.(scrape.LifecycleMessage); ok {
				attrs["status"] = string(msg.Status)
			}
			return attrs
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.closers = append(app.closers, closer{name: "pubsub", close: publisher.Close})
	app.logger.Info("mirroring lifecycle events to Pub/Sub",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.LifecycleTopic),
	)
	return append(targets, lifecycle.Target{
		Name:      "pubsub",
		Topic:     app.cfg.PubSub.LifecycleTopic,
		Publisher: publisher,
	}), nil
}
