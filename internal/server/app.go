// Package server builds the runtime's long-lived services from config and
// owns their lifecycle: plugin host, queue, scheduler, event hub, and the ops
// HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-runtime/internal/api"
	luabackend "github.com/JakeFAU/scraper-runtime/internal/backend/lua"
	wasmbackend "github.com/JakeFAU/scraper-runtime/internal/backend/wasm"
	"github.com/JakeFAU/scraper-runtime/internal/clock/system"
	"github.com/JakeFAU/scraper-runtime/internal/config"
	collyfetcher "github.com/JakeFAU/scraper-runtime/internal/fetcher/colly"
	"github.com/JakeFAU/scraper-runtime/internal/headless"
	"github.com/JakeFAU/scraper-runtime/internal/httpclient"
	"github.com/JakeFAU/scraper-runtime/internal/id/uuid"
	"github.com/JakeFAU/scraper-runtime/internal/logging"
	"github.com/JakeFAU/scraper-runtime/internal/metrics"
	"github.com/JakeFAU/scraper-runtime/internal/notify"
	"github.com/JakeFAU/scraper-runtime/internal/notify/sinks"
	"github.com/JakeFAU/scraper-runtime/internal/plugin"
	"github.com/JakeFAU/scraper-runtime/internal/policy/ratelimit"
	"github.com/JakeFAU/scraper-runtime/internal/queue"
	"github.com/JakeFAU/scraper-runtime/internal/scheduler"
	"github.com/JakeFAU/scraper-runtime/internal/scraper"
	"github.com/JakeFAU/scraper-runtime/internal/telemetry"
)

// Option adjusts how Build wires the App.
type Option func(*buildOptions)

type buildOptions struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	transport  http.RoundTripper
}

// WithLogger replaces the logger built from the logging section.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = logger }
}

// WithRegisterer registers the event collectors somewhere other than the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registerer = reg }
}

// WithTransport routes plugin network traffic through rt.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *buildOptions) { o.transport = rt }
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	host        *plugin.Host
	browser     *headless.ChromeDriver
	limiter     *ratelimit.Limiter
	queue       *queue.Queue[scraper.Request]
	scheduler   *scheduler.Scheduler
	hub         *notify.Hub
	broadcaster *sinks.Broadcaster
	apiServer   *api.Server

	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	tracerShutdown  func(context.Context) error

	closeOnce sync.Once
}

// Build creates the application's dependencies and loads the plugin
// directory. Nothing runs until Run.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure(context.Background())
		}
	}()

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
	}

	if err := app.setupHost(o.transport); err != nil {
		return nil, err
	}
	if err := app.setupNotifications(ctx, o.registerer); err != nil {
		return nil, err
	}
	app.setupScheduler()

	app.apiServer = api.NewServer(api.Options{
		Jobs:           app.scheduler,
		Plugins:        app.host,
		Events:         app.broadcaster,
		Ready:          app.ready,
		APIKey:         cfg.Server.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         logger,
	})

	loaded, err := app.host.LoadDir(ctx, cfg.Plugins.Dir)
	if err != nil {
		// Bad manifests are skipped; the rest still serve.
		logger.Warn("some plugins failed to load", zap.Error(err))
	}
	logger.Info("plugins loaded", zap.Int("count", len(loaded)), zap.String("dir", cfg.Plugins.Dir))

	ok = true
	return app, nil
}

func (a *App) setupHost(transport http.RoundTripper) error {
	cfg := a.cfg
	if transport == nil {
		transport = httpclient.NewTransport()
	}
	client := httpclient.New(httpclient.Config{
		Timeout:      cfg.HTTP.Timeout,
		UserAgent:    cfg.HTTP.UserAgent,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		Breaker: httpclient.BreakerConfig{
			MaxRequests:  cfg.HTTP.Breaker.MaxRequests,
			Interval:     cfg.HTTP.Breaker.Interval,
			OpenTimeout:  cfg.HTTP.Breaker.OpenTimeout,
			MinRequests:  cfg.HTTP.Breaker.MinRequests,
			FailureRatio: cfg.HTTP.Breaker.FailureRatio,
		},
		Transport: transport,
	}, a.logger)

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.HTTP.UserAgent,
		RespectRobots: cfg.HTTP.RespectRobots,
		Timeout:       cfg.HTTP.Timeout,
		MaxBodyBytes:  int(cfg.HTTP.MaxBodyBytes),
		Transport:     transport,
	})
	static := headless.NewStaticDriver(fetcher, a.logger)

	var browser headless.Driver
	if cfg.Headless.Enabled {
		if path, found := headless.LookupBrowser(cfg.Headless.ExecPath); found {
			driver, err := headless.NewChromeDriver(headless.ChromeConfig{
				ExecPath:          path,
				MaxParallel:       cfg.Headless.MaxParallel,
				UserAgent:         cfg.HTTP.UserAgent,
				NavigationTimeout: cfg.Headless.NavigationTimeout,
			}, a.logger)
			if err != nil {
				a.logger.Warn("headless driver init failed, using fallback", zap.Error(err))
			} else {
				a.browser = driver
				browser = driver
				a.logger.Info("headless browser found", zap.String("path", path))
			}
		} else {
			a.logger.Info("no headless browser found, headless plugins use the static fallback")
		}
	}

	a.limiter = ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Scheduler.Cooldown.RPS,
		DefaultBurst: cfg.Scheduler.Cooldown.Burst,
	})

	host, err := plugin.NewHost(plugin.Options{
		Client:  client,
		Browser: browser,
		Static:  static,
		Limiter: a.limiter,
		Lua: luabackend.Config{
			CallStackSize: cfg.Lua.CallStackSize,
			RegistrySize:  cfg.Lua.RegistrySize,
		},
		Wasm:   wasmbackend.Config{MemoryLimitPages: cfg.Wasm.MemoryLimitPages},
		Logger: a.logger,
	})
	if err != nil {
		return fmt.Errorf("plugin host init failed: %w", err)
	}
	a.host = host
	return nil
}

func (a *App) setupNotifications(ctx context.Context, reg prometheus.Registerer) error {
	cfg := a.cfg
	a.broadcaster = sinks.NewBroadcaster(cfg.Notify.SubscriberBuffer)
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return err
	}
	hubSinks := []notify.Sink{sinks.NewLogSink(a.logger), promSink, a.broadcaster}

	if cfg.PubSub.Enabled {
		a.pubsubClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubPublisher = a.pubsubClient.Publisher(cfg.PubSub.Topic)
		pubSink, err := sinks.NewPubSubSink(a.pubsubPublisher)
		if err != nil {
			return err
		}
		// The sink owns the publisher from here on.
		a.pubsubPublisher = nil
		hubSinks = append(hubSinks, pubSink)
	}

	a.hub = notify.NewHub(notify.Config{
		BufferSize:     cfg.Notify.Buffer,
		MaxBatchEvents: cfg.Notify.Batch,
		MaxBatchWait:   cfg.Notify.Wait,
		SinkTimeout:    cfg.Notify.SinkTimeout,
		Logger:         a.logger,
	}, hubSinks...)
	return nil
}

func (a *App) setupScheduler() {
	clock := system.New()
	ids := uuid.NewUUIDGenerator()
	qcfg := a.cfg.QueueSettings()
	qcfg.OnEvict = func(key string) {
		id, err := ids.NewID()
		if err != nil {
			a.logger.Warn("event id generation failed", zap.Error(err))
		}
		a.hub.Emit(notify.Event{ID: id, TS: clock.Now(), Type: notify.TypeDropped, Key: key})
	}
	a.queue = queue.New[scraper.Request](qcfg)
	a.scheduler = scheduler.New(a.queue, a.host, scheduler.Config{
		Workers:           a.cfg.Scheduler.Workers,
		InvocationTimeout: a.cfg.Scheduler.InvocationTimeout,
	}, scheduler.Options{
		Cooldown: a.limiter,
		Emitter:  a.hub,
		Clock:    clock,
		IDs:      ids,
		Logger:   a.logger,
	})
}

// Host exposes the plugin registry for one-shot commands.
func (a *App) Host() *plugin.Host { return a.host }

// Scheduler exposes the job scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Handler returns the ops API handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

func (a *App) ready(context.Context) error {
	if len(a.host.List()) == 0 {
		return errors.New("no plugins loaded")
	}
	return nil
}

// Run starts the scheduler, the plugin watcher, and the ops server, and
// blocks until ctx is canceled or the server fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.scheduler.Run(ctx); err != nil {
			a.logger.Error("scheduler error", zap.Error(err))
			stop()
		}
	}()

	if a.cfg.Plugins.Watch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.host.Watch(ctx, a.cfg.Plugins.Dir, a.cfg.Plugins.Debounce); err != nil {
				a.logger.Error("plugin watcher stopped", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.scheduler.Shutdown()
	wg.Wait()

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return fmt.Errorf("serve ops API: %w", err)
	default:
		return closeErr
	}
}

// Close releases everything Build created. It is safe to call more than
// once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.queue != nil {
			a.queue.Close()
		}
		a.closeInfrastructure(ctx)
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.host != nil {
		if err := a.host.Close(); err != nil {
			a.logger.Warn("plugin host close failed", zap.Error(err))
		}
	}
	if a.browser != nil {
		if err := a.browser.Close(); err != nil {
			a.logger.Warn("headless driver close failed", zap.Error(err))
		}
	}
	// The hub closes its sinks, including the Pub/Sub publisher.
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("notify hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on terminals; nothing useful to do about it.
	_ = a.logger.Sync()
}
