package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ent0n29/taskpulse/internal/clock"
	"github.com/ent0n29/taskpulse/internal/config"
	"github.com/ent0n29/taskpulse/internal/connection"
	"github.com/ent0n29/taskpulse/internal/credential"
	"github.com/ent0n29/taskpulse/internal/history"
	"github.com/ent0n29/taskpulse/internal/httpapi"
	"github.com/ent0n29/taskpulse/internal/observability"
	"github.com/ent0n29/taskpulse/internal/protocol"
	"github.com/ent0n29/taskpulse/internal/subscription"
	"github.com/ent0n29/taskpulse/internal/tasks"
)

// App is the assembled client: one connection feeding the subscription
// registry, which in turn feeds the task store.
type App struct {
	Config        config.Config
	Logger        *slog.Logger
	Metrics       *observability.Metrics
	Gatherer      prometheus.Gatherer
	Credentials   credential.Provider
	Store         *tasks.Store
	Subscriptions *subscription.Registry
	Connection    *connection.Manager
	// History is nil when neither a history URL nor a database URL is set.
	History tasks.HistorySource
	API     *httpapi.Server

	clock      clock.Clock
	httpServer *http.Server
	serveErr   chan error

	mu            sync.Mutex
	unsubscribers []func()
	closers       []func() error
	closeOnce     sync.Once
	closeErr      error
}

// Option adjusts Build for tests and embedding.
type Option func(*buildOptions)

type buildOptions struct {
	clock  clock.Clock
	dialer *websocket.Dialer
}

func WithClock(c clock.Clock) Option {
	return func(o *buildOptions) { o.clock = c }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(o *buildOptions) { o.dialer = d }
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	o := buildOptions{clock: clock.Real{}}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if o.dialer == nil {
		o.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)
	creds := credential.FromConfig(cfg.Token, cfg.TokenFile)

	a := &App{
		Config:      cfg,
		Logger:      logger,
		Metrics:     metrics,
		Gatherer:    reg,
		Credentials: creds,
		clock:       o.clock,
		serveErr:    make(chan error, 1),
	}

	a.Store = tasks.NewStore(tasks.StoreConfig{
		Capacities:  cfg.Capacities(),
		AutoDismiss: cfg.AutoDismiss,
		Clock:       o.clock,
		Logger:      logger,
		Metrics:     metrics,
	})
	a.Subscriptions = subscription.New(subscription.Config{
		MaxQueuedTasks:   cfg.OrphanQueueMaxTasks,
		MaxQueuedPerTask: cfg.OrphanQueuePerTask,
		QueueTTL:         cfg.OrphanQueueTTL,
		Logger:           logger,
		Metrics:          metrics,
	})

	conn, err := connection.New(connection.Config{
		URL:           cfg.WSURL,
		Credentials:   creds,
		Sink:          a.Subscriptions.Dispatch,
		Dialer:        o.dialer,
		Clock:         o.clock,
		Logger:        logger,
		Metrics:       metrics,
		BaseDelay:     cfg.ReconnectBaseDelay,
		MaxAttempts:   cfg.ReconnectMaxAttempts,
		FallbackDelay: cfg.ReconnectFallbackDelay,
	})
	if err != nil {
		a.Subscriptions.Close()
		_ = a.Store.Close()
		return nil, fmt.Errorf("connection manager init failed: %w", err)
	}
	a.Connection = conn

	switch {
	case cfg.HistoryDatabaseURL != "":
		src, err := history.NewPostgresSource(ctx, cfg.HistoryDatabaseURL)
		if err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("history database init failed: %w", err)
		}
		a.History = src
		a.closers = append(a.closers, src.Close)
	case cfg.HistoryURL != "":
		a.History = history.NewClient(cfg.HistoryURL, creds, history.WithLogger(logger))
	}

	a.unsubscribers = append(a.unsubscribers,
		a.Subscriptions.SubscribeGlobal(a.applyEvent),
		conn.OnConnectionChange(a.connectionChanged),
	)

	deps := httpapi.Deps{
		Store:          a.Store,
		Registry:       a.Subscriptions,
		Connection:     conn,
		Metrics:        metrics,
		Gatherer:       reg,
		Clock:          o.clock,
		Logger:         logger,
		AllowAnyOrigin: cfg.AllowAnyOrigin,
	}
	if a.History != nil {
		deps.RefreshHistory = a.RefreshHistory
	}
	a.API = httpapi.New(deps)
	if cfg.BindAddr != "" {
		a.httpServer = &http.Server{
			Addr:              cfg.BindAddr,
			Handler:           a.API.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return a, nil
}

func (a *App) applyEvent(ev protocol.TaskStatus) {
	a.Metrics.ObserveEvent(ev, a.clock.Now())
	if _, err := a.Store.HandleEvent(ev); err != nil && !errors.Is(err, tasks.ErrStoreClosed) {
		a.Logger.Error("task event not applied", "task_id", ev.TaskID, "error", err)
	}
}

func (a *App) connectionChanged(up bool) {
	if err := a.Store.SetConnected(up); err != nil {
		return
	}
	if up {
		a.Subscriptions.Flush()
	}
}

// RefreshHistory loads the configured history window into the store.
func (a *App) RefreshHistory(ctx context.Context) error {
	if a.History == nil {
		return errors.New("no history source configured")
	}
	return a.Store.LoadHistory(ctx, a.History, a.Config.HistoryWindow())
}

// Start opens the socket, loads history and starts the local API. Only
// credential failures are returned from the connect step; transport
// failures are retried in the background.
func (a *App) Start(ctx context.Context) error {
	if err := a.Connection.Connect(ctx); err != nil {
		return err
	}
	if a.History != nil {
		if err := a.RefreshHistory(ctx); err != nil {
			a.Logger.Warn("initial history load failed", "error", err)
		}
	}
	if a.httpServer == nil {
		return nil
	}

	ln, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.httpServer.Addr, err)
	}
	a.Logger.Info("local api listening", "addr", ln.Addr().String())
	go func() {
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serveErr <- err
		}
	}()
	return nil
}

// Run starts the app and blocks until ctx is done or the local API fails.
// The app is closed when Run returns.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return errors.Join(err, a.Close(context.Background()))
	}
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-a.serveErr:
		a.Logger.Error("local api stopped", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Close(shutdownCtx))
}

// Close tears everything down in dependency order: listeners first so no
// callback runs against a closed component, then the store and its timers,
// the registry, the socket, and finally the local API.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		unsubs := a.unsubscribers
		a.unsubscribers = nil
		a.mu.Unlock()
		for _, unsub := range unsubs {
			unsub()
		}

		var errs []error
		if err := a.Store.Close(); err != nil {
			errs = append(errs, err)
		}
		a.Subscriptions.Close()
		if a.Connection != nil {
			if err := a.Connection.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if a.httpServer != nil {
			if err := a.httpServer.Shutdown(ctx); err != nil {
				errs = append(errs, err)
				_ = a.httpServer.Close()
			}
		}
		for _, closeFn := range a.closers {
			if err := closeFn(); err != nil {
				errs = append(errs, err)
			}
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
