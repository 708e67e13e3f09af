// Package server builds the crawler service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/catalog-crawler/internal/api"
	"github.com/JakeFAU/catalog-crawler/internal/browser"
	"github.com/JakeFAU/catalog-crawler/internal/commerce"
	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/events"
	"github.com/JakeFAU/catalog-crawler/internal/events/sinks"
	"github.com/JakeFAU/catalog-crawler/internal/extract"
	"github.com/JakeFAU/catalog-crawler/internal/importer"
	"github.com/JakeFAU/catalog-crawler/internal/llm"
	"github.com/JakeFAU/catalog-crawler/internal/logging"
	"github.com/JakeFAU/catalog-crawler/internal/orchestrator"
	"github.com/JakeFAU/catalog-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/catalog-crawler/internal/schema"
	"github.com/JakeFAU/catalog-crawler/internal/sitemap"
	gcsstorage "github.com/JakeFAU/catalog-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/catalog-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/catalog-crawler/internal/storage/memory"
	"github.com/JakeFAU/catalog-crawler/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg          *config.Config
	logger       *zap.Logger
	stores       *Stores
	schemas      *schema.Store
	hub          *events.Hub
	orchestrator *orchestrator.Orchestrator
	importer     *importer.Importer
	apiServer    *api.Server

	pool           *browser.Pool
	storage        *storage.Client
	pubsubClient   *pubsub.Client
	tracerShutdown telemetry.ShutdownFunc
}

// Handler exposes the HTTP surface (tests).
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.NewAtLevel(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller supplied logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("renderer", cfg.Crawler.Renderer),
		zap.Int("concurrency", cfg.Crawler.Concurrency),
	)

	_, shutdown, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Enabled:     cfg.Telemetry.TracingEnabled,
		Stdout:      cfg.Telemetry.Stdout,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = shutdown

	if app.stores, err = OpenStores(ctx, cfg, logger.Named("store")); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	if app.schemas, err = schema.NewStore(cfg.Schemas.Dir, logger); err != nil {
		app.closeInfrastructure(ctx)
		return nil, fmt.Errorf("schema store init failed: %w", err)
	}
	if err = app.setupEvents(ctx); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	if err = app.setupCrawler(ctx); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	app.setupImporter()

	commands := api.NewCommands(app.orchestrator, app.importer, app.stores.Queue, app.schemas, logger)
	app.apiServer = api.NewServer(commands, app.hub, *cfg, logger, api.WithReadiness(app.stores.Ping))
	return app, nil
}

func (a *App) setupEvents(ctx context.Context) error {
	var listeners []events.Listener
	if a.cfg.Events.LogEnabled {
		listeners = append(listeners, sinks.NewLogListener(a.logger))
	}
	if a.cfg.Events.MetricsEnabled {
		prom, err := sinks.NewPrometheusListener(nil)
		if err != nil {
			return fmt.Errorf("prometheus event sink init failed: %w", err)
		}
		listeners = append(listeners, prom)
	}
	if a.cfg.PubSub.ProjectID != "" && a.cfg.PubSub.TopicName != "" {
		var err error
		a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		// The hub closes the listener, which stops the topic.
		forward, err := sinks.NewPubSubListener(a.pubsubClient.Topic(a.cfg.PubSub.TopicName),
			events.CrawlStatus, events.Crawled, events.ImportStatus, events.Imported)
		if err != nil {
			return fmt.Errorf("pubsub event sink init failed: %w", err)
		}
		listeners = append(listeners, forward)
		a.logger.Info("pubsub event sink enabled",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	}
	a.hub = events.NewHub(events.Config{
		BufferSize:      a.cfg.Events.BufferSize,
		MaxBatchEvents:  a.cfg.Events.MaxBatchEvents,
		MaxBatchWait:    a.cfg.Events.BatchWait(),
		ListenerTimeout: a.cfg.Events.SinkTimeout(),
		BaseContext:     context.WithoutCancel(ctx),
		Logger:          a.logger,
	}, listeners...)
	return nil
}

func (a *App) setupCrawler(ctx context.Context) error {
	nav, err := a.setupNavigator()
	if err != nil {
		return err
	}
	snapshots, err := a.setupSnapshots(ctx)
	if err != nil {
		return err
	}
	engine := extract.NewEngine(a.schemas, extract.Config{
		WaitTimeout: a.cfg.Crawler.WaitTimeout(),
		Logger:      a.logger,
	})
	opts := orchestrator.Options{
		Limiter: ratelimit.New(ratelimit.Config{DefaultRPS: a.cfg.Crawler.DomainQPS, DefaultBurst: 1}),
		Events:  a.hub,
		Logger:  a.logger,
	}
	if snapshots != nil {
		opts.Snapshots = snapshots
	}
	if a.cfg.Crawler.ExpandSitemaps {
		opts.Sitemaps = sitemap.New(sitemap.Config{
			UserAgent: a.cfg.Crawler.UserAgent,
			Timeout:   a.cfg.Crawler.NavTimeout(),
			Logger:    a.logger,
		})
	}
	a.orchestrator = orchestrator.New(a.stores.Queue, nav, engine, orchestrator.Config{
		Concurrency:        a.cfg.Crawler.Concurrency,
		SeedLimit:          a.cfg.Crawler.SeedLimit,
		FallbackEnabled:    a.cfg.Crawler.FallbackEnabled,
		ScheduleDiscovered: a.cfg.Crawler.ScheduleDiscovered,
		ExpandSitemaps:     a.cfg.Crawler.ExpandSitemaps,
		SnapshotPrefix:     a.cfg.Snapshots.Prefix,
	}, opts)
	return nil
}

func (a *App) setupNavigator() (orchestrator.Navigator, error) {
	if a.cfg.Crawler.Renderer == config.RendererHTTP {
		a.logger.Info("using static HTTP navigator")
		return browser.NewHTTPNavigator(browser.HTTPConfig{
			UserAgent: a.cfg.Crawler.UserAgent,
			Timeout:   a.cfg.Crawler.NavTimeout(),
		}), nil
	}
	pool, err := browser.NewPool(browser.Config{
		MaxParallel:       a.cfg.Crawler.Concurrency,
		UserAgent:         a.cfg.Crawler.UserAgent,
		NavigationTimeout: a.cfg.Crawler.NavTimeout(),
		ExecPath:          a.cfg.Crawler.ChromePath,
		Logger:            a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("browser pool init failed: %w", err)
	}
	a.pool = pool
	a.logger.Info("using headless chrome navigator", zap.Int("max_parallel", a.cfg.Crawler.Concurrency))
	return pool, nil
}

func (a *App) setupSnapshots(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Snapshots.Backend {
	case config.SnapshotsGCS:
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(a.storage, gcsstorage.Config{Bucket: a.cfg.Snapshots.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("snapshots stored in GCS", zap.String("bucket", a.cfg.Snapshots.GCSBucket))
		return blobs, nil
	case config.SnapshotsLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Snapshots.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("snapshots stored locally", zap.String("path", a.cfg.Snapshots.Local.BaseDir))
		return blobs, nil
	case config.SnapshotsMemory:
		a.logger.Info("snapshots kept in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Debug("snapshots disabled")
		return nil, nil
	}
}

func (a *App) setupImporter() {
	chat := llm.NewClient(llm.Config{
		BaseURL:     a.cfg.LLM.BaseURL,
		Model:       a.cfg.LLM.Model,
		Temperature: a.cfg.LLM.Temperature,
		Timeout:     a.cfg.LLM.Timeout(),
	})
	publisher := commerce.NewClient(commerce.Config{
		BaseURL:  a.cfg.Publish.BaseURL,
		APIToken: a.cfg.Publish.APIToken,
		Timeout:  a.cfg.Publish.Timeout(),
	})
	if a.cfg.Publish.BaseURL == "" {
		a.logger.Warn("publish.base_url not set, imports will fail until configured")
	}
	a.importer = importer.New(a.stores.Queue, importer.NewLLMNormalizer(chat), publisher,
		importer.Config{ContinueOnError: a.cfg.Import.ContinueOnError},
		importer.Options{Events: a.hub, Logger: a.logger},
	)
}

// Run serves HTTP until ctx is canceled or a signal arrives, then shuts down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if a.cfg.Schemas.Watch {
		g.Go(func() error {
			if err := a.schemas.Watch(gctx); err != nil {
				a.logger.Warn("schema watcher stopped", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// Close stops the loops and releases every resource.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.orchestrator != nil {
		if err := a.orchestrator.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("crawl shutdown: %w", err))
		}
	}
	if a.importer != nil {
		if err := a.importer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("import shutdown: %w", err))
		}
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.stores != nil {
		a.stores.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
