// Package server builds and runs the dispatcher and worker processes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/newswire/internal/api"
	"github.com/JakeFAU/newswire/internal/config"
	"github.com/JakeFAU/newswire/internal/dispatcher"
	"github.com/JakeFAU/newswire/internal/lifecycle"
	"github.com/JakeFAU/newswire/internal/logging"
	"github.com/JakeFAU/newswire/internal/queue"
	"github.com/JakeFAU/newswire/internal/scrape"
	"github.com/JakeFAU/newswire/internal/store"
)

// Role selects which process Build assembles.
type Role string

// Process roles.
const (
	RoleDispatcher Role = "dispatcher"
	RoleWorker     Role = "worker"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleDispatcher || r == RoleWorker
}

// Exit codes returned by Run.
const (
	ExitOK    = 0
	ExitError = 1
)

type component struct {
	name string
	run  func(ctx context.Context) error
}

type closer struct {
	name  string
	close func() error
}

// App contains the process dependencies.
type App struct {
	cfg        config.Config
	role       Role
	logger     *zap.Logger
	clock      scrape.Clock
	broker     queue.Broker
	ledger     store.RunRepository
	dispatch   *dispatcher.Dispatcher
	reporter   *lifecycle.Reporter
	api        *api.Server
	components []component
	closers    []closer
	listener   net.Listener
}

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Addr returns the bound HTTP address once Run has started listening.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Run starts the process and blocks until ctx is canceled, a signal arrives
// or a component fails. It returns the process exit code.
func (a *App) Run(ctx context.Context) int {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := a.start(ctx)
	if err != nil {
		a.logger.Error("startup failed", zap.Error(err))
		a.reporter.Report(ctx, scrape.LifecycleErrored, err)
		return a.shutdown(nil, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- fmt.Errorf("http server: %w", err)
			cancel()
		}
		close(httpErr)
	}()

	g, gctx := errgroup.WithContext(runCtx)
	for _, c := range a.components {
		g.Go(guard(gctx, c, a.logger))
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	a.api.SetReady(true)
	a.reporter.Report(ctx, scrape.LifecycleStarted, nil)
	a.logger.Info("application started", zap.String("addr", a.Addr()))

	var runErr error
	select {
	case <-gctx.Done():
		a.logger.Info("shutdown initiated")
		cancel()
		runErr = <-done
	case runErr = <-done:
		a.logger.Info("components stopped")
		cancel()
	}
	a.api.SetReady(false)
	if runErr == nil {
		select {
		case runErr = <-httpErr:
		default:
		}
	}

	if runErr != nil {
		a.logger.Error("component failed", zap.Error(runErr))
		a.reporter.Report(ctx, scrape.LifecycleErrored, runErr)
	} else {
		a.reporter.Report(ctx, scrape.LifecycleClosing, nil)
	}
	return a.shutdown(srv, runErr)
}

func (a *App) start(ctx context.Context) (*http.Server, error) {
	if a.role == RoleDispatcher {
		purged, err := a.broker.Purge(ctx, a.cfg.Queues.StatusUpdates)
		if err != nil {
			return nil, fmt.Errorf("purge %s: %w", a.cfg.Queues.StatusUpdates, err)
		}
		a.logger.Info("purged stale status updates", zap.Int("messages", purged))
	}

	a.reporter.Report(ctx, scrape.LifecycleStarting, nil)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", a.cfg.Server.Port, err)
	}
	a.listener = listener
	return &http.Server{
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}, nil
}

func guard(ctx context.Context, c component, logger *zap.Logger) func() error {
	return func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("component panicked",
					zap.String("component", c.name),
					zap.Any("panic", rec),
					zap.Stack("stack"),
				)
				err = fmt.Errorf("%s panicked: %v", c.name, rec)
			}
		}()
		if err := c.run(ctx); err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
		return nil
	}
}

func (a *App) shutdown(srv *http.Server, cause error) int {
	if srv != nil {
		timeout := a.cfg.Shutdown.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		cancel()
	}
	a.closeInfrastructure()
	a.logger.Info("shutdown complete", zap.Bool("errored", cause != nil))
	if err := logging.Sync(a.logger); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	if grace := a.cfg.Shutdown.LogFlushGrace; grace > 0 {
		time.Sleep(grace)
	}
	if cause != nil {
		return ExitError
	}
	return ExitOK
}

// closeInfrastructure closes the broker, then the ledger, then everything else.
func (a *App) closeInfrastructure() {
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.logger.Warn("broker close failed", zap.Error(err))
		}
		a.broker = nil
	}
	if a.ledger != nil {
		a.ledger.Close()
		a.ledger = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}
