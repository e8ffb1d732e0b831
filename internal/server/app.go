// Package server builds the application's dependency graph and runs it,
// either as a long-lived HTTP service or for one-shot CLI runs.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/stayprice-crawler/internal/api"
	localcache "github.com/JakeFAU/stayprice-crawler/internal/cache/local"
	memorycache "github.com/JakeFAU/stayprice-crawler/internal/cache/memory"
	"github.com/JakeFAU/stayprice-crawler/internal/clock/system"
	"github.com/JakeFAU/stayprice-crawler/internal/config"
	"github.com/JakeFAU/stayprice-crawler/internal/dispatcher"
	"github.com/JakeFAU/stayprice-crawler/internal/extract"
	"github.com/JakeFAU/stayprice-crawler/internal/id/uuid"
	"github.com/JakeFAU/stayprice-crawler/internal/logging"
	"github.com/JakeFAU/stayprice-crawler/internal/orchestrator"
	"github.com/JakeFAU/stayprice-crawler/internal/pricing"
	"github.com/JakeFAU/stayprice-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/stayprice-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/stayprice-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/stayprice-crawler/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/stayprice-crawler/internal/queue/memory"
	"github.com/JakeFAU/stayprice-crawler/internal/session/headless"
	"github.com/JakeFAU/stayprice-crawler/internal/session/static"
	"github.com/JakeFAU/stayprice-crawler/internal/snapshot"
	gcsstorage "github.com/JakeFAU/stayprice-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/stayprice-crawler/internal/storage/local"
	memoryStorage "github.com/JakeFAU/stayprice-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/stayprice-crawler/internal/storage/postgres"
	"github.com/JakeFAU/stayprice-crawler/internal/task"
	"github.com/JakeFAU/stayprice-crawler/internal/telemetry"
	"github.com/JakeFAU/stayprice-crawler/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  pricing.Clock
	ids    pricing.IDGenerator

	orchestrator *orchestrator.Orchestrator
	progressHub  *progress.Hub

	storageClient  *storage.Client
	snapshotRows   *pgstore.SnapshotStore
	pubsubClient   *pubsub.Client
	pubsubPub      *gcppublisher.Publisher
	runStore       pricing.RunStore
	pgRuns         *pgstore.RunStore
	tracerShutdown func(context.Context) error
}

// Options adjust Build for embedding and tests.
type Options struct {
	// Logger replaces the configured logger.
	Logger *zap.Logger
	// Registerer receives progress collectors; nil uses the default registry.
	Registerer prometheus.Registerer
}

// Build creates the application's dependencies from cfg.
func Build(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	app := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.NewUUIDGenerator(),
	}
	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure(context.WithoutCancel(ctx))
		}
	}()

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	app.logger.Info("building application dependencies",
		zap.String("driver", cfg.Session.Driver),
		zap.String("cache", cfg.Cache.Backend),
		zap.String("snapshot_dir", cfg.Snapshot.Dir),
	)

	cache, err := setupCache(app)
	if err != nil {
		return nil, err
	}
	driver, err := setupDriver(app)
	if err != nil {
		return nil, err
	}
	fetcher := task.New(
		cfg.Task,
		cache,
		driver,
		extract.New(cfg.Extract, logger.Named("extract")),
		logger.Named("task"),
	)

	snapshots, err := setupSnapshots(ctx, app)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	emitter, err := setupProgress(app, opts.Registerer)
	if err != nil {
		return nil, err
	}

	orchCfg := cfg.Orchestrator
	if orchCfg.Topic == "" {
		orchCfg.Topic = cfg.PubSub.Topic
	}
	app.orchestrator, err = orchestrator.New(orchCfg, orchestrator.Deps{
		Fetcher:   fetcher,
		Snapshots: snapshots,
		Publisher: publisher,
		Progress:  emitter,
		Clock:     app.clock,
		IDs:       app.ids,
		Logger:    logger.Named("orchestrator"),
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	if err := setupRunStore(ctx, app); err != nil {
		return nil, err
	}

	ok = true
	return app, nil
}

// Orchestrator returns the configured orchestrator for one-shot runs.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler assembles the HTTP API around a fresh run queue and returns it with
// the dispatcher that drains that queue.
func (a *App) Handler() (http.Handler, *dispatcher.Dispatcher, *queueMemory.Queue) {
	queue := queueMemory.NewQueue(a.cfg.Server.QueueDepth)
	workers := make([]*worker.Worker, 0, a.cfg.Server.RunWorkers)
	for i := 0; i < a.cfg.Server.RunWorkers; i++ {
		workers = append(workers, worker.New(queue, a.runStore, a.orchestrator, a.logger.Named("worker")))
	}
	dispatch := dispatcher.New(queue, workers, a.logger.Named("dispatcher"))
	apiServer := api.NewServer(api.Config{
		APIKey:         a.cfg.Server.APIKey,
		RequestTimeout: a.cfg.Server.RequestTimeout,
		EnqueueTimeout: a.cfg.Server.EnqueueTimeout,
	}, api.Deps{
		Runs:       a.runStore,
		Submitter:  dispatch,
		Normalizer: a.orchestrator,
		IDs:        a.ids,
		Clock:      a.clock,
		Logger:     a.logger,
	})
	return apiServer.Handler(), dispatch, queue
}

// Serve runs the HTTP API and the run workers until ctx is canceled.
func (a *App) Serve(ctx context.Context) error {
	handler, dispatch, queue := a.Handler()

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("run workers did not stop before the shutdown timeout")
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPub != nil {
		a.pubsubPub.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.snapshotRows != nil {
		a.snapshotRows.Close()
	}
	if a.pgRuns != nil {
		a.pgRuns.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync() //nolint:errcheck // stderr sync fails on some platforms
}

func setupCache(app *App) (pricing.Cache, error) {
	switch app.cfg.Cache.Backend {
	case config.CacheMemory:
		app.logger.Info("using in-memory month cache")
		return memorycache.NewStore(), nil
	default:
		store, err := localcache.New(localcache.Config{
			Dir:    app.cfg.Cache.Dir,
			MaxAge: app.cfg.Cache.MaxAge,
		}, app.clock)
		if err != nil {
			return nil, fmt.Errorf("cache init failed: %w", err)
		}
		app.logger.Info("using local month cache",
			zap.String("dir", app.cfg.Cache.Dir),
			zap.Duration("max_age", app.cfg.Cache.MaxAge),
		)
		return store, nil
	}
}

func setupDriver(app *App) (pricing.Driver, error) {
	switch app.cfg.Session.Driver {
	case config.DriverStatic:
		app.logger.Info("using static session driver", zap.Duration("timeout", app.cfg.Session.Static.Timeout))
		return static.New(app.cfg.Session.Static), nil
	default:
		driver, err := headless.New(app.cfg.Session.Headless, app.logger.Named("headless"))
		if err != nil {
			return nil, fmt.Errorf("headless driver init failed: %w", err)
		}
		app.logger.Info("using headless session driver",
			zap.Bool("headless", app.cfg.Session.Headless.Headless),
			zap.Float64("host_qps", app.cfg.Session.Headless.HostQPS),
		)
		return driver, nil
	}
}

func setupSnapshots(ctx context.Context, app *App) (pricing.SnapshotWriter, error) {
	primary, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Snapshot.Dir})
	if err != nil {
		return nil, fmt.Errorf("snapshot store init failed: %w", err)
	}
	writer, err := snapshot.NewWriter(snapshot.Config{
		Format: app.cfg.Snapshot.Format,
		Prefix: app.cfg.Snapshot.Prefix,
	}, primary, app.logger.Named("snapshot"))
	if err != nil {
		return nil, fmt.Errorf("snapshot writer init failed: %w", err)
	}

	if app.cfg.Snapshot.GCSBucket != "" {
		app.storageClient, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		mirror, err := gcsstorage.New(app.storageClient, gcsstorage.Config{
			Bucket: app.cfg.Snapshot.GCSBucket,
			Prefix: app.cfg.Snapshot.GCSPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		writer.WithMirror(mirror)
		app.logger.Info("mirroring snapshots to GCS", zap.String("bucket", app.cfg.Snapshot.GCSBucket))
	}

	if app.cfg.Snapshot.PostgresDSN != "" {
		app.snapshotRows, err = pgstore.NewSnapshotStore(ctx, pgstore.SnapshotStoreConfig{
			DSN:   app.cfg.Snapshot.PostgresDSN,
			Table: app.cfg.Snapshot.PostgresTable,
		})
		if err != nil {
			return nil, fmt.Errorf("snapshot row store init failed: %w", err)
		}
		writer.WithRows(app.snapshotRows)
		app.logger.Info("recording snapshot rows in postgres", zap.String("table", app.cfg.Snapshot.PostgresTable))
	}
	return writer, nil
}

func setupPublisher(ctx context.Context, app *App) (pricing.Publisher, error) {
	if app.cfg.PubSub.Topic == "" {
		app.logger.Debug("no notification topic configured")
		return nil, nil
	}
	if app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPub = gcppublisher.New(app.pubsubClient.Topic(app.cfg.PubSub.Topic))
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.Topic),
	)
	return app.pubsubPub, nil
}

func setupProgress(app *App, reg prometheus.Registerer) (progress.Emitter, error) {
	var sinkList []progress.Sink
	if app.cfg.Progress.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	if app.cfg.Progress.Prometheus {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		promSink, err := progresssinks.NewPrometheusSink(reg)
		if err != nil {
			return nil, fmt.Errorf("progress metrics init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	if len(sinkList) == 0 {
		app.logger.Info("progress events disabled")
		return progress.Nop{}, nil
	}
	app.progressHub = progress.NewHub(app.cfg.Progress.Config, app.logger.Named("progress_hub"), sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", app.cfg.Progress.BufferSize),
	)
	return app.progressHub, nil
}

func setupRunStore(ctx context.Context, app *App) error {
	if app.cfg.Server.RunsPostgresDSN == "" {
		app.runStore = memoryStorage.NewRunStore(app.clock)
		return nil
	}
	var err error
	app.pgRuns, err = pgstore.NewRunStore(ctx, app.cfg.Server.RunsPostgresDSN, app.clock)
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	app.runStore = app.pgRuns
	app.logger.Info("recording runs in postgres")
	return nil
}
