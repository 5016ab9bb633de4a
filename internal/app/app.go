// Package app wires the dispatch engine together: configuration,
// logging, the queue store, the session registry, the dispatcher, the
// HTTP/WebSocket surface, and the supporting services (metrics,
// tracing, Kafka publishing, snapshots, hot reload, resource
// monitoring). It owns startup order and graceful shutdown.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/semantest/nodejs.server-sub008/internal/config"
	"github.com/semantest/nodejs.server-sub008/internal/dispatcher"
	"github.com/semantest/nodejs.server-sub008/internal/metrics"
	"github.com/semantest/nodejs.server-sub008/internal/queue"
	"github.com/semantest/nodejs.server-sub008/internal/registry"
	"github.com/semantest/nodejs.server-sub008/internal/sinks"
	"github.com/semantest/nodejs.server-sub008/internal/ws"
	"github.com/semantest/nodejs.server-sub008/pkg/events"
	"github.com/semantest/nodejs.server-sub008/pkg/hotreload"
	"github.com/semantest/nodejs.server-sub008/pkg/monitoring"
	"github.com/semantest/nodejs.server-sub008/pkg/persistence"
	"github.com/semantest/nodejs.server-sub008/pkg/ratelimit"
	"github.com/semantest/nodejs.server-sub008/pkg/tracing"
	"github.com/semantest/nodejs.server-sub008/pkg/types"
)

// metricsBroadcastInterval paces the periodic metrics.updated event.
const metricsBroadcastInterval = 10 * time.Second

// App is the composed dispatch engine.
type App struct {
	config     *types.Config
	configFile string
	logger     *logrus.Logger

	bus        *events.Bus
	store      *queue.Store
	registry   *registry.Registry
	heartbeat  *registry.HeartbeatSupervisor
	router     *dispatcher.Router
	limiter    *ratelimit.TokenBucket
	dispatcher *dispatcher.Dispatcher
	wsHandler  *ws.Handler

	publisher   *sinks.KafkaPublisher
	snapshotter *persistence.Snapshotter
	monitor     *monitoring.Monitor
	tracing     *tracing.Manager
	reloader    *hotreload.Reloader

	// edgeLimiters gate the admission endpoints, keyed by route path.
	edgeLimiters map[string]*ratelimit.TokenBucket

	httpServer    *http.Server
	httpRouter    *mux.Router
	metricsServer *metrics.MetricsServer

	startTime time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New loads and validates configuration, then builds every component
// in a stopped state. Nothing listens or spawns goroutines until Start.
func New(configFile string) (*App, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.App.LogLevel, err)
	}
	logger.SetLevel(level)
	if cfg.App.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		config:     cfg,
		configFile: configFile,
		logger:     logger,
		startTime:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}

	if err := app.initializeComponents(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}
	app.initializeHTTPServer()

	logger.WithFields(logrus.Fields{
		"name":        cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": cfg.App.Environment,
	}).Info("Application initialized")

	return app, nil
}

func (app *App) initializeComponents() error {
	cfg := app.config

	app.bus = events.NewBus(cfg.Events.SubscriberBuffer, app.logger)
	app.logger.Info("Event bus initialized")

	manager, err := tracing.NewManager(cfg.Tracing, cfg.App.Version, cfg.App.Environment, app.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	app.tracing = manager

	app.store = queue.NewStore(queue.Config{
		RetryDelays:   msToDurations(cfg.Engine.RetryDelaysMS),
		FallbackDelay: time.Duration(cfg.Engine.FallbackRetryDelayMS) * time.Millisecond,
		DLQThreshold:  cfg.Engine.DLQThreshold,
		MaxQueueSize:  cfg.Engine.MaxQueueSize,
	}, app.logger, nil, app.bus)
	app.logger.Info("Queue store initialized")

	app.registry = registry.NewRegistry(app.logger, nil, app.bus)
	app.heartbeat = registry.NewHeartbeatSupervisor(registry.HeartbeatConfig{
		Interval:           time.Duration(cfg.Heartbeat.IntervalMS) * time.Millisecond,
		UnhealthyThreshold: time.Duration(cfg.Heartbeat.UnhealthyThresholdMS) * time.Millisecond,
		MaxMissed:          cfg.Heartbeat.MaxMissed,
	}, app.registry, app.logger, nil)
	app.logger.Info("Session registry initialized")

	app.router = dispatcher.NewRouter(app.registry, app.logger, nil)
	app.limiter = ratelimit.NewTokenBucket(ratelimit.Config{
		Enabled:       cfg.Engine.RateLimit > 0,
		RatePerSecond: cfg.Engine.RateLimit,
	}, app.logger, nil)

	app.dispatcher = dispatcher.New(dispatcher.Config{
		MaxConcurrent:     cfg.Engine.MaxConcurrent,
		ProcessingTimeout: time.Duration(cfg.Engine.ProcessingTimeoutMS) * time.Millisecond,
		TickInterval:      time.Duration(cfg.Engine.TickIntervalMS) * time.Millisecond,
	}, app.store, app.registry, app.router, app.limiter, app.logger, nil, app.bus)

	// Session removals feed the dispatcher so in-flight jobs fail over.
	app.registry.SetRemovalHook(app.dispatcher.HandleSessionRemoval)
	app.logger.Info("Dispatcher initialized")

	app.wsHandler = ws.NewHandler(ws.Config{
		SendBufferSize: cfg.Engine.SendBufferSize,
	}, app.registry, app.dispatcher, app.logger, nil, app.bus)
	app.logger.Info("WebSocket handler initialized")

	app.edgeLimiters = make(map[string]*ratelimit.TokenBucket)
	for _, path := range []string{"/queue/enqueue", "/api/images/generate"} {
		rate := cfg.Edge.RateLimit
		if override, ok := cfg.Edge.Overrides[path]; ok {
			rate = override
		}
		if rate <= 0 {
			continue
		}
		app.edgeLimiters[path] = ratelimit.NewTokenBucket(ratelimit.Config{
			Enabled:       true,
			RatePerSecond: rate,
		}, app.logger, nil)
	}

	publisher, err := sinks.NewKafkaPublisher(cfg.Events.Kafka, app.bus, app.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize kafka publisher: %w", err)
	}
	app.publisher = publisher

	app.snapshotter = persistence.NewSnapshotter(cfg.Snapshot, app.store.Snapshot, app.logger, nil)
	app.monitor = monitoring.NewMonitor(cfg.Monitoring, app.logger)

	reloader, err := hotreload.NewReloader(hotreload.Config{
		Enabled: cfg.HotReload.Enabled,
	}, app.configFile, app.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize config reloader: %w", err)
	}
	reloader.SetCallbacks(app.applyConfigChanges, nil)
	app.reloader = reloader

	if cfg.Metrics.Enabled {
		addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		app.metricsServer = metrics.NewMetricsServer(addr, cfg.Metrics.Path, app.logger)
	}

	return nil
}

func (app *App) initializeHTTPServer() {
	app.httpRouter = mux.NewRouter()
	app.registerHandlers(app.httpRouter)

	addr := fmt.Sprintf("%s:%d", app.config.Server.Host, app.config.Server.Port)
	app.httpServer = &http.Server{
		Addr:         addr,
		Handler:      app.httpRouter,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// applyConfigChanges is the hot-reload callback. Only the tunables that
// can change safely at runtime are applied: dispatch rate, backoff
// schedule, and heartbeat thresholds. Listener addresses and component
// topology need a restart.
func (app *App) applyConfigChanges(old, updated *types.Config) error {
	if err := config.ValidateConfig(updated); err != nil {
		return err
	}

	if old.Engine.RateLimit != updated.Engine.RateLimit {
		app.limiter.SetRate(updated.Engine.RateLimit)
		app.logger.WithFields(logrus.Fields{
			"old_rate": old.Engine.RateLimit,
			"new_rate": updated.Engine.RateLimit,
		}).Info("Dispatch rate limit updated")
	}

	app.store.SetRetryDelays(
		msToDurations(updated.Engine.RetryDelaysMS),
		time.Duration(updated.Engine.FallbackRetryDelayMS)*time.Millisecond,
	)

	app.heartbeat.SetThresholds(
		time.Duration(updated.Heartbeat.UnhealthyThresholdMS)*time.Millisecond,
		updated.Heartbeat.MaxMissed,
	)

	app.config = updated
	app.logger.Info("Configuration reloaded")
	return nil
}

// Start brings the engine up: supporting services first, then the
// dispatch loop, then the listeners that admit work.
func (app *App) Start() error {
	app.logger.WithFields(logrus.Fields{
		"name":    app.config.App.Name,
		"version": app.config.App.Version,
	}).Info("Starting application")

	if app.metricsServer != nil {
		app.metricsServer.Start()
	}

	app.monitor.Start(app.ctx)

	if err := app.publisher.Start(); err != nil {
		return fmt.Errorf("failed to start kafka publisher: %w", err)
	}

	if err := app.snapshotter.Start(); err != nil {
		return fmt.Errorf("failed to start snapshotter: %w", err)
	}

	app.dispatcher.Start(app.ctx)
	app.heartbeat.Start(app.ctx)

	if err := app.reloader.Start(app.config); err != nil {
		return fmt.Errorf("failed to start config reloader: %w", err)
	}

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.logger.WithField("address", app.httpServer.Addr).Info("HTTP server starting")
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.logger.WithError(err).Error("HTTP server error")
		}
	}()

	app.wg.Add(1)
	go app.broadcastMetrics(app.ctx)

	app.logger.Info("Application started")
	return nil
}

// broadcastMetrics publishes a periodic queue and session snapshot on
// the metrics.updated topic so subscribers (and the Kafka publisher)
// see throughput without polling the HTTP surface.
func (app *App) broadcastMetrics(ctx context.Context) {
	defer app.wg.Done()

	ticker := time.NewTicker(metricsBroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			app.bus.Publish(app.metricsEvent())
		}
	}
}

// metricsEvent snapshots the queue and session counters into one
// metrics.updated event.
func (app *App) metricsEvent() types.Event {
	status := app.store.Status()
	return types.Event{
		Topic:     types.TopicMetricsUpdated,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"lane_depths":     status.LaneDepths,
			"in_flight":       status.InFlight,
			"dlq_size":        status.DLQSize,
			"total_enqueued":  status.TotalEnqueued,
			"total_processed": status.TotalProcessed,
			"total_failed":    status.TotalFailed,
			"current_rate":    status.CurrentRate,
			"sessions":        app.registry.Count(),
		},
	}
}

// Stop shuts the engine down in reverse order: close the intake, drain
// or fail over in-flight work, stop the loop, then flush the sinks.
func (app *App) Stop() error {
	app.logger.Info("Stopping application")

	grace := time.Duration(app.config.Server.ShutdownGraceMS) * time.Millisecond
	if grace <= 0 {
		grace = 10 * time.Second
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("HTTP server shutdown error")
	}

	app.drainInFlight(shutdownCtx)

	// Sessions close with a normal-closure frame. Jobs still in flight
	// stay recorded in the store and land in the final snapshot.
	app.wsHandler.Shutdown()

	app.heartbeat.Stop()
	app.dispatcher.Stop()

	app.snapshotter.Stop()

	app.reloader.Stop()

	if err := app.publisher.Stop(); err != nil {
		app.logger.WithError(err).Error("Kafka publisher stop error")
	}

	app.bus.Close()
	app.monitor.Stop()

	if err := app.tracing.Shutdown(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Tracing shutdown error")
	}

	if app.metricsServer != nil {
		if err := app.metricsServer.Stop(shutdownCtx); err != nil {
			app.logger.WithError(err).Error("Metrics server shutdown error")
		}
	}

	app.cancel()
	app.wg.Wait()

	app.logger.Info("Application stopped")
	return nil
}

// drainInFlight waits for outstanding assignments to settle, up to the
// context deadline.
func (app *App) drainInFlight(ctx context.Context) {
	if app.store.InFlightCount() == 0 {
		return
	}
	app.logger.WithField("in_flight", app.store.InFlightCount()).Info("Draining in-flight jobs")

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			app.logger.WithField("in_flight", app.store.InFlightCount()).Warn("Drain window elapsed with jobs still in flight")
			return
		case <-ticker.C:
			if app.store.InFlightCount() == 0 {
				app.logger.Info("All in-flight jobs settled")
				return
			}
		}
	}
}

// Run starts the application and blocks until SIGINT or SIGTERM.
func (app *App) Run() error {
	if err := app.Start(); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	app.logger.WithField("signal", sig.String()).Info("Received shutdown signal")

	return app.Stop()
}

func msToDurations(ms []int) []time.Duration {
	out := make([]time.Duration, 0, len(ms))
	for _, m := range ms {
		out = append(out, time.Duration(m)*time.Millisecond)
	}
	return out
}
