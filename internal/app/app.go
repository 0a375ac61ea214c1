// Package app initializes and holds the service's long-lived dependencies,
// acting as the composition root.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/trawlerhq/trawler/internal/api"
	blobgcs "github.com/trawlerhq/trawler/internal/blob/gcs"
	blobmemory "github.com/trawlerhq/trawler/internal/blob/memory"
	"github.com/trawlerhq/trawler/internal/cache"
	"github.com/trawlerhq/trawler/internal/clock/system"
	"github.com/trawlerhq/trawler/internal/config"
	"github.com/trawlerhq/trawler/internal/crawl"
	collyfetch "github.com/trawlerhq/trawler/internal/fetch/colly"
	headlessfetch "github.com/trawlerhq/trawler/internal/fetch/headless"
	"github.com/trawlerhq/trawler/internal/hash/sha256"
	"github.com/trawlerhq/trawler/internal/id/uuid"
	"github.com/trawlerhq/trawler/internal/jobs"
	"github.com/trawlerhq/trawler/internal/metrics"
	publishmemory "github.com/trawlerhq/trawler/internal/publish/memory"
	publishpubsub "github.com/trawlerhq/trawler/internal/publish/pubsub"
	"github.com/trawlerhq/trawler/internal/scrape"
	"github.com/trawlerhq/trawler/internal/session"
	storememory "github.com/trawlerhq/trawler/internal/store/memory"
	storepostgres "github.com/trawlerhq/trawler/internal/store/postgres"
	"github.com/trawlerhq/trawler/internal/trawler"
)

// App holds the wired services for one process.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer *api.Server
	jobsMgr   *jobs.Manager
	crawls    *crawl.Manager
	sessions  *session.Registry
	cacheSvc  *cache.Cache

	pool            *pgxpool.Pool
	pubsubClient    *pubsub.Client
	pubsubPublisher *publishpubsub.Publisher
	gcsClient       *storage.Client
	headlessClient  *headlessfetch.Client
}

// Build wires the full dependency graph from configuration. It fails fast
// when any backing service cannot be reached.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	clock := system.New()
	ids := uuid.New()

	jobStore, cacheStore, sessionStore, err := a.setupStores(ctx)
	if err != nil {
		return nil, err
	}

	a.cacheSvc = cache.New(cacheStore, sha256.New(), clock,
		time.Duration(cfg.Scrape.CacheTTLSeconds)*time.Second, logger.Named("cache"))

	a.sessions = session.NewRegistry(sessionStore, clock, ids, session.Config{
		IdleTimeout:   time.Duration(cfg.Sessions.IdleTimeoutMinutes) * time.Minute,
		SweepInterval: time.Duration(cfg.Sessions.SweepIntervalMinutes) * time.Minute,
	}, logger.Named("sessions"))

	static := collyfetch.New(collyfetch.Config{
		UserAgent: cfg.Scrape.UserAgent,
		Timeout:   time.Duration(cfg.Scrape.TimeoutSeconds) * time.Second,
	})
	var headlessClient trawler.FetchClient
	if cfg.Headless.Enabled {
		a.headlessClient, err = headlessfetch.New(headlessfetch.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Scrape.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
			ViewportWidth:     cfg.Headless.ViewportWidth,
			ViewportHeight:    cfg.Headless.ViewportHeight,
		})
		if err != nil {
			return nil, fmt.Errorf("headless client init failed: %w", err)
		}
		headlessClient = a.headlessClient
	}

	orchestrator := scrape.New(static, headlessClient, a.cacheSvc, a.sessions, clock, scrape.Config{
		Defaults:     cfg.ScrapeDefaults(),
		BatchCeiling: cfg.Scrape.BatchCeiling,
	}, logger.Named("scrape"))
	a.crawls = crawl.NewManager(orchestrator, clock, ids, logger.Named("crawl"))

	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	blobStore, err := a.setupBlobStore(ctx)
	if err != nil {
		return nil, err
	}

	a.jobsMgr = jobs.NewManager(jobStore, publisher, clock, ids, jobs.Config{
		Workers:  cfg.Jobs.Workers,
		IdlePoll: time.Duration(cfg.Jobs.IdlePollMs) * time.Millisecond,
		Topic:    cfg.Jobs.Topic,
	}, logger.Named("jobs"))
	handlers := jobs.NewHandlers(orchestrator, a.crawls, a.sessions, blobStore, jobs.HandlerConfig{Defaults: cfg.ScrapeDefaults()}, logger.Named("handlers"))
	handlers.RegisterAll(a.jobsMgr)

	a.apiServer = api.NewServer(orchestrator, a.jobsMgr, a.crawls, a.sessions, a.cacheSvc, cfg, logger.Named("api"))
	return a, nil
}

// Run starts the worker pool, the session sweeper, and the HTTP server, and
// blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.jobsMgr.Start(ctx)
	go a.sessions.Run(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if !a.jobsMgr.Stop(10 * time.Second) {
		a.logger.Warn("worker pool left stragglers behind")
	}
	a.Close()
	return nil
}

// Close releases backing clients.
func (a *App) Close() {
	if a.headlessClient != nil {
		a.headlessClient.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Close()
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
	if a.pool != nil {
		a.pool.Close()
	}
	_ = a.logger.Sync()
	a.logger.Info("shutdown complete")
}

// Handler exposes the HTTP handler for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

func (a *App) setupStores(ctx context.Context) (trawler.JobStore, trawler.CacheStore, trawler.SessionStore, error) {
	if a.cfg.Store.Backend != "postgres" {
		a.logger.Info("using in-memory stores")
		return storememory.NewJobStore(), storememory.NewCacheStore(), storememory.NewSessionStore(), nil
	}

	a.logger.Info("using postgres stores")
	pool, err := storepostgres.NewPool(ctx, storepostgres.Config{
		DSN:             a.cfg.Store.DSN,
		MaxConns:        a.cfg.Store.MaxConns,
		MinConns:        a.cfg.Store.MinConns,
		MaxConnLifetime: a.cfg.Store.MaxConnLifetime,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("postgres pool init failed: %w", err)
	}
	a.pool = pool

	jobStore, err := storepostgres.NewJobStore(pool)
	if err != nil {
		return nil, nil, nil, err
	}
	cacheStore, err := storepostgres.NewCacheStore(pool)
	if err != nil {
		return nil, nil, nil, err
	}
	sessionStore, err := storepostgres.NewSessionStore(pool)
	if err != nil {
		return nil, nil, nil, err
	}
	return jobStore, cacheStore, sessionStore, nil
}

func (a *App) setupPublisher(ctx context.Context) (trawler.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("pubsub not configured, using in-memory publisher")
		return publishmemory.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	publisher, err := publishpubsub.New(client)
	if err != nil {
		return nil, err
	}
	a.pubsubPublisher = publisher
	a.logger.Info("pubsub publisher initialized", zap.String("project", a.cfg.PubSub.ProjectID))
	return publisher, nil
}

func (a *App) setupBlobStore(ctx context.Context) (trawler.BlobStore, error) {
	if a.cfg.Archive.Backend != "gcs" {
		a.logger.Info("using in-memory archive store")
		return blobmemory.New(), nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client init failed: %w", err)
	}
	a.gcsClient = client
	store, err := blobgcs.New(ctx, client, blobgcs.Config{Bucket: a.cfg.Archive.Bucket})
	if err != nil {
		return nil, err
	}
	a.logger.Info("gcs archive store initialized", zap.String("bucket", a.cfg.Archive.Bucket))
	return store, nil
}
