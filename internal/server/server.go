// Package server builds the service's dependency graph from configuration and
// runs the HTTP server alongside the attempt worker pool.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/api"
	"github.com/JakeFAU/source-crawler/internal/clock/system"
	"github.com/JakeFAU/source-crawler/internal/config"
	"github.com/JakeFAU/source-crawler/internal/crawler"
	"github.com/JakeFAU/source-crawler/internal/dispatcher"
	collyengine "github.com/JakeFAU/source-crawler/internal/engine/colly"
	"github.com/JakeFAU/source-crawler/internal/engine/sidecar"
	"github.com/JakeFAU/source-crawler/internal/hash/sha256"
	"github.com/JakeFAU/source-crawler/internal/id/uuid"
	"github.com/JakeFAU/source-crawler/internal/orchestrator"
	memorypublisher "github.com/JakeFAU/source-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/source-crawler/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/source-crawler/internal/queue/memory"
	"github.com/JakeFAU/source-crawler/internal/sources"
	gcsstorage "github.com/JakeFAU/source-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/source-crawler/internal/storage/local"
	memoryStorage "github.com/JakeFAU/source-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/source-crawler/internal/storage/postgres"
	"github.com/JakeFAU/source-crawler/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	tx           crawler.Transactor
	pgStore      *pgstore.Store
	orchestrator *orchestrator.Orchestrator
	sources      *sources.Service
	queue        *queueMemory.Queue
	dispatch     *dispatcher.Dispatcher
	apiServer    *api.Server

	gcsClient       *storage.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
}

// Build creates the application's dependencies. Callers must Close the App.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies")

	if err := app.setupStore(ctx); err != nil {
		app.Close()
		return nil, err
	}
	blobStore, err := app.setupStorage(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}

	clock := system.New()
	idGen := uuid.New()
	app.orchestrator = orchestrator.New(
		app.tx,
		app.setupEngine(),
		sha256.New(),
		clock,
		idGen,
		blobStore,
		publisher,
		orchestrator.Config{
			EngineTimeout:  cfg.EngineTimeout(),
			MaxErrorLength: cfg.Ingest.MaxErrorLength,
			ArchivePrefix:  cfg.Storage.Prefix,
			Topic:          cfg.PubSub.TopicName,
		},
		logger.Named("orchestrator"),
	)
	app.sources = sources.NewService(app.tx, clock, idGen, logger.Named("sources"))
	app.setupDispatcher()

	var ready api.ReadinessCheck
	if app.pgStore != nil {
		ready = app.pgStore.Ping
	}
	app.apiServer = api.NewServer(
		app.sources,
		app.orchestrator,
		app.dispatch,
		ready,
		clock,
		cfg,
		logger.Named("api"),
	)
	return app, nil
}

// Orchestrator exposes the attempt orchestrator for one-shot commands.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Sources exposes the source management service.
func (a *App) Sources() *sources.Service {
	return a.sources
}

// Transactor exposes the configured store.
func (a *App) Transactor() crawler.Transactor {
	return a.tx
}

// Migrate applies the Postgres schema.
func (a *App) Migrate(ctx context.Context) error {
	if a.pgStore == nil {
		return fmt.Errorf("db.dsn is required to migrate: %w", crawler.ErrInvalidConfig)
	}
	if err := a.pgStore.Migrate(ctx); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// RunAttempt starts and executes one attempt in the calling goroutine and
// returns its final report.
func (a *App) RunAttempt(ctx context.Context, sourceID, username string) (sources.AttemptReport, error) {
	attemptID, err := a.orchestrator.StartAttempt(ctx, sourceID, username)
	if err != nil {
		return sources.AttemptReport{}, err
	}
	execErr := a.orchestrator.Execute(ctx, attemptID)
	report, err := a.sources.Attempt(context.WithoutCancel(ctx), attemptID, username)
	if err != nil {
		return sources.AttemptReport{}, errors.Join(execErr, err)
	}
	return report, execErr
}

// AddUser creates or updates a user and its roles.
func (a *App) AddUser(ctx context.Context, user crawler.User) error {
	return a.tx.InTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
		return tx.Users().UpsertUser(ctx, user)
	})
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the worker pool and HTTP server and blocks until ctx is canceled.
// The HTTP server drains before the dispatcher stops, so every attempt accepted
// by an in-flight request is either executed or abandoned.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDispatch()
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Worker.Concurrency))
		a.dispatch.Run(dispatchCtx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
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

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	stopDispatch()
	<-dispatchDone

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases infrastructure clients. It is safe to call on a partially built App.
func (a *App) Close() {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	a.logger.Info("shutdown complete")
}

func (a *App) setupStore(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no db.dsn configured, using the in-memory store")
		a.tx = memoryStorage.NewStore()
		return nil
	}
	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.ConnLifetime(),
	})
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	a.pgStore = store
	a.tx = store
	a.logger.Info("postgres store initialized", zap.Int32("max_conns", a.cfg.DB.MaxConns))
	if a.cfg.DB.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		a.logger.Info("database schema applied")
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		a.logger.Info("using GCS archive backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobStore, nil
	case config.StorageLocal:
		a.logger.Info("using local archive backend", zap.String("path", a.cfg.Storage.LocalDir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	case config.StorageMemory:
		a.logger.Info("using in-memory archive backend")
		return memoryStorage.NewBlobStore(), nil
	default:
		a.logger.Info("raw result archive disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.pubsubPublisher = gcppublisher.New(client)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.pubsubPublisher, nil
}

func (a *App) setupEngine() crawler.ScrapeEngine {
	if a.cfg.Engine.Mode == config.EngineModeLocal {
		a.logger.Info("using in-process colly engine", zap.String("user_agent", a.cfg.Engine.UserAgent))
		return collyengine.New(collyengine.Config{
			UserAgent: a.cfg.Engine.UserAgent,
			Timeout:   a.cfg.EngineTimeout(),
		}, a.logger.Named("engine"))
	}
	a.logger.Info("using engine sidecar", zap.String("base_url", a.cfg.Engine.BaseURL))
	return sidecar.New(sidecar.Config{
		BaseURL:   a.cfg.Engine.BaseURL,
		Timeout:   a.cfg.EngineTimeout(),
		UserAgent: a.cfg.Engine.UserAgent,
	}, nil, a.logger.Named("engine"))
}

func (a *App) setupDispatcher() {
	a.queue = queueMemory.NewQueue(a.cfg.Worker.QueueDepth)
	workers := make([]*worker.Worker, 0, a.cfg.Worker.Concurrency)
	for i := 0; i < a.cfg.Worker.Concurrency; i++ {
		workers = append(workers, worker.New(
			i,
			a.queue,
			a.orchestrator,
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(a.queue, workers, a.orchestrator, a.logger.Named("dispatcher"))
	a.logger.Info("worker pool configured",
		zap.Int("concurrency", a.cfg.Worker.Concurrency),
		zap.Int("queue_depth", a.cfg.Worker.QueueDepth),
	)
}
