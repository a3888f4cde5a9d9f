// Package server builds the link tracker's dependencies and runs the service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/link-tracker/internal/api"
	"github.com/JakeFAU/link-tracker/internal/clock/system"
	"github.com/JakeFAU/link-tracker/internal/config"
	"github.com/JakeFAU/link-tracker/internal/hash/sha256"
	"github.com/JakeFAU/link-tracker/internal/id/uuid"
	"github.com/JakeFAU/link-tracker/internal/metrics"
	"github.com/JakeFAU/link-tracker/internal/notify"
	"github.com/JakeFAU/link-tracker/internal/policy/ratelimit"
	"github.com/JakeFAU/link-tracker/internal/pool"
	"github.com/JakeFAU/link-tracker/internal/preflight"
	gcppublisher "github.com/JakeFAU/link-tracker/internal/publisher/pubsub"
	"github.com/JakeFAU/link-tracker/internal/queue"
	queueMemory "github.com/JakeFAU/link-tracker/internal/queue/memory"
	queueRedis "github.com/JakeFAU/link-tracker/internal/queue/redis"
	"github.com/JakeFAU/link-tracker/internal/render"
	"github.com/JakeFAU/link-tracker/internal/run"
	"github.com/JakeFAU/link-tracker/internal/scheduler"
	"github.com/JakeFAU/link-tracker/internal/scrape"
	gcsstorage "github.com/JakeFAU/link-tracker/internal/storage/gcs"
	localstorage "github.com/JakeFAU/link-tracker/internal/storage/local"
	memoryStorage "github.com/JakeFAU/link-tracker/internal/storage/memory"
	pgstore "github.com/JakeFAU/link-tracker/internal/storage/postgres"
	s3storage "github.com/JakeFAU/link-tracker/internal/storage/s3"
	"github.com/JakeFAU/link-tracker/internal/telemetry"
	"github.com/JakeFAU/link-tracker/internal/tracker"
)

// Version is stamped into traces.
var Version = "dev"

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	clock  *system.Clock
	ids    *uuid.Generator
	hasher *sha256.Hasher

	blobs     tracker.BlobStore
	links     tracker.LinkStore
	runs      tracker.RunStore
	captures  tracker.CaptureStore
	queue     queue.Queue
	publisher tracker.Publisher
	notifier  tracker.Notifier

	launcher  *render.Launcher
	pool      *pool.Pool
	runner    *scrape.Runner
	recorder  *run.Recorder
	scheduler *scheduler.Scheduler
	apiServer *api.Server

	checks  map[string]api.Check
	closers []closer
}

// Build creates the application's dependencies. On error everything opened
// so far is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("building application dependencies",
		zap.String("env", cfg.Env),
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.Bool("postgres", cfg.Database.DSN != ""),
		zap.Bool("pubsub", cfg.PublishEnabled()),
	)
	metrics.Init()

	app := &App{
		cfg:    cfg,
		logger: logger,
		ids:    uuid.New(),
		hasher: sha256.New(cfg.Scraper.HashLength),
		checks: map[string]api.Check{},
	}
	if err := app.build(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		app.closeAll(closeCtx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	_, shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: a.cfg.Telemetry.ServiceName,
		Version:     Version,
		Environment: a.cfg.Env,
		Exporter:    a.cfg.Telemetry.Exporter,
		ProjectID:   a.cfg.Telemetry.ProjectID,
		SampleRatio: a.cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.addCloser("tracer", shutdown)

	a.clock, err = system.FromName(a.cfg.Scraper.Timezone)
	if err != nil {
		return fmt.Errorf("clock init failed: %w", err)
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"storage", a.setupStorage},
		{"database", a.setupDatabase},
		{"queue", a.setupQueue},
		{"publisher", a.setupPublisher},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return err
		}
	}

	a.notifier = notify.New(notify.Config{
		WebhookURL:  a.cfg.Notify.SlackWebhookURL,
		Environment: a.cfg.Env,
		Timeout:     a.cfg.Notify.Timeout,
	}, a.logger.Named("notify"))

	if err := a.setupPool(); err != nil {
		return err
	}
	a.setupScheduler()
	return nil
}

func (a *App) addCloser(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) setupStorage(ctx context.Context) error {
	sc := a.cfg.Storage
	switch sc.Backend {
	case config.BackendS3:
		client, err := s3storage.NewClient(ctx, s3storage.Config{
			Bucket:    sc.Bucket,
			Region:    sc.Region,
			Endpoint:  sc.Endpoint,
			AccessKey: sc.AccessKey,
			SecretKey: sc.SecretKey,
		})
		if err != nil {
			return fmt.Errorf("s3 client init failed: %w", err)
		}
		a.blobs, err = s3storage.New(client, s3storage.Config{
			Bucket:       sc.Bucket,
			Region:       sc.Region,
			StorageClass: sc.StorageClass,
		})
		if err != nil {
			return fmt.Errorf("s3 blob store init failed: %w", err)
		}
		a.logger.Info("using S3 storage backend", zap.String("bucket", sc.Bucket), zap.String("region", sc.Region))
	case config.BackendGCS:
		gcsCfg := gcsstorage.Config{Bucket: sc.Bucket, SignerEmail: sc.GCS.SignerEmail}
		if sc.GCS.PrivateKeyFile != "" {
			key, err := os.ReadFile(sc.GCS.PrivateKeyFile)
			if err != nil {
				return fmt.Errorf("read gcs signing key: %w", err)
			}
			gcsCfg.PrivateKey = key
		}
		store, err := gcsstorage.Open(ctx, gcsCfg)
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobs = store
		a.addCloser("gcs", func(context.Context) error { return store.Close() })
		a.logger.Info("using GCS storage backend", zap.String("bucket", sc.Bucket))
	case config.BackendLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: sc.Local.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = store
		a.logger.Info("using local storage backend", zap.String("path", sc.Local.BaseDir))
	default:
		a.logger.Info("using in-memory storage backend")
		a.blobs = memoryStorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("No DSN specified for database, using in-memory link and run store")
		store := memoryStorage.NewStore()
		a.links, a.runs, a.captures = store, store, store
		return nil
	}
	store, err := pgstore.NewStore(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	a.links, a.runs, a.captures = store, store, store
	a.checks["postgres"] = store.Ping
	a.addCloser("postgres", func(context.Context) error {
		store.Close()
		return nil
	})
	a.logger.Info("postgres store initialized",
		zap.Int32("max_conns", a.cfg.Database.MaxConns),
		zap.Int32("min_conns", a.cfg.Database.MinConns),
	)
	return nil
}

func (a *App) setupQueue(ctx context.Context) error {
	if a.cfg.Queue.Backend != config.BackendRedis {
		a.logger.Info("using in-memory job queue")
		q := queueMemory.NewQueue(a.clock.Now)
		a.queue = q
		a.addCloser("queue", func(context.Context) error { return q.Close() })
		return nil
	}
	q, err := queueRedis.Open(ctx, queueRedis.Config{
		Address:  a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		Prefix:   a.cfg.Redis.Prefix,
	})
	if err != nil {
		return fmt.Errorf("redis queue init failed: %w", err)
	}
	a.queue = q
	a.checks["redis"] = q.Ping
	a.addCloser("queue", func(context.Context) error { return q.Close() })
	a.logger.Info("using redis job queue", zap.String("addr", a.cfg.Redis.Addr), zap.String("prefix", a.cfg.Redis.Prefix))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if !a.cfg.PublishEnabled() {
		a.logger.Warn("No Pub/Sub topic configured, capture events are not published")
		return nil
	}
	pub, err := gcppublisher.Open(ctx, gcppublisher.Config{
		ProjectID: a.cfg.PubSub.ProjectID,
		TopicID:   a.cfg.PubSub.TopicName,
	})
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = pub
	a.addCloser("pubsub", func(context.Context) error { return pub.Close() })
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupPool() error {
	sc := a.cfg.Scraper
	a.launcher = render.NewLauncher(render.Config{
		UserAgent:      sc.UserAgent,
		ViewportWidth:  sc.ViewportWidth,
		ViewportHeight: sc.ViewportHeight,
		Settle:         sc.Settle,
		Headless:       sc.Headless,
		ExecPath:       sc.ChromePath,
	}, a.logger.Named("render"))

	throttle := ratelimit.New(ratelimit.Config{MinDelay: sc.SameDomainDelay})
	p, err := pool.New(a.launcher, throttle, pool.Config{MaxConcurrency: sc.MaxConcurrency}, a.logger.Named("pool"))
	if err != nil {
		return fmt.Errorf("pool init failed: %w", err)
	}
	a.pool = p
	a.logger.Info("browser pool configured",
		zap.Int("max_concurrency", sc.MaxConcurrency),
		zap.Duration("same_domain_delay", sc.SameDomainDelay),
	)
	return nil
}

func (a *App) setupScheduler() {
	scrapeCfg := scrape.Config{
		Timeout:  a.cfg.Scraper.RenderTimeout,
		Topic:    a.cfg.PubSub.TopicName,
		Timezone: a.clock.Zone(),
	}
	if a.cfg.Scraper.RespectRobots {
		scrapeCfg.Preflight = preflight.New(preflight.Config{
			UserAgent: a.cfg.Scraper.UserAgent,
			Timeout:   a.cfg.Scraper.PreflightTimeout,
		})
	}
	if a.cfg.Scraper.DetectBlocks {
		scrapeCfg.Detector = scrape.NewBlockDetector(0)
	}
	a.runner = scrape.NewRunner(
		a.blobs,
		a.captures,
		a.publisher,
		a.hasher,
		a.clock,
		a.ids,
		scrapeCfg,
		a.logger.Named("scrape"),
	)
	a.recorder = run.NewRecorder(a.runs, a.clock, a.ids, run.RetryConfig{}, a.logger.Named("recorder"))
	a.scheduler = scheduler.New(
		a.links,
		a.recorder,
		a.runner,
		a.pool,
		a.queue,
		a.notifier,
		a.clock,
		scheduler.Config{
			BatchTimeout: a.cfg.Scraper.BatchTimeout,
			StaleAfter:   a.cfg.Scraper.StaleAfter,
			DrainTimeout: a.cfg.Scraper.DrainTimeout,
		},
		a.logger.Named("scheduler"),
	)
	a.apiServer = api.NewServer(api.Deps{
		Triggers: a.scheduler,
		Runs:     a.runs,
		Captures: a.captures,
		Blobs:    a.blobs,
		Hasher:   a.hasher,
		Checks:   a.checks,
	}, api.Config{
		HashLength:     a.cfg.Scraper.HashLength,
		PresignTTL:     a.cfg.Storage.PresignTTL,
		RequestTimeout: a.cfg.Server.RequestTimeout,
		APIKey:         a.cfg.Server.APIKey,
	}, a.logger.Named("api"))
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Scheduler returns the batch scheduler.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Run serves HTTP, consumes the job queues and fires the cron schedule until
// ctx is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a.logger.Info("application started")

	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		a.logger.Info("queue workers started")
		a.scheduler.Run(ctx, queue.WorkerConfig{PollInterval: a.cfg.Queue.PollInterval})
	}()

	var cron *scheduler.Cron
	if a.cfg.Schedule.Enabled {
		loc, err := time.LoadLocation(a.cfg.Schedule.Timezone)
		if err != nil {
			return fmt.Errorf("schedule timezone: %w", err)
		}
		cron, err = scheduler.NewCron(ctx, a.scheduler, scheduler.CronConfig{
			Daily:    a.cfg.Schedule.Daily,
			Weekly:   a.cfg.Schedule.Weekly,
			Monthly:  a.cfg.Schedule.Monthly,
			Stale:    a.cfg.Schedule.Stale,
			Location: loc,
		})
		if err != nil {
			stop()
			workers.Wait()
			return fmt.Errorf("cron init failed: %w", err)
		}
		cron.Start()
		a.logger.Info("cron schedule started", zap.Int("entries", cron.Entries()))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if cron != nil {
		if err := cron.Stop(shutdownCtx); err != nil {
			a.logger.Warn("cron stop failed", zap.Error(err))
		}
	}
	workers.Wait()
	return a.Close(shutdownCtx)
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 15 * time.Second
}

// RunBatch executes one batch in the foreground and waits for its outcome.
func (a *App) RunBatch(ctx context.Context, req scheduler.BatchRequest) (scheduler.Summary, error) {
	summary, err := a.scheduler.Execute(ctx, req)
	if err != nil {
		return scheduler.Summary{}, fmt.Errorf("execute batch: %w", err)
	}
	return summary, nil
}

// ScrapeURL captures one URL outside any batch. The browser is launched for
// this call only.
func (a *App) ScrapeURL(ctx context.Context, rawURL string, includeParams bool, timing tracker.Timing) (tracker.Completion, error) {
	if _, err := tracker.ValidateURL(rawURL); err != nil {
		return tracker.Completion{}, err
	}
	browser, err := a.launcher.Launch(ctx)
	if err != nil {
		return tracker.Completion{}, fmt.Errorf("launch browser: %w", err)
	}
	defer func() {
		if cerr := browser.Close(); cerr != nil {
			a.logger.Warn("browser close failed", zap.Error(cerr))
		}
	}()
	link := tracker.Link{
		URL:    rawURL,
		Timing: timing,
		Active: true,
		Domain: tracker.Domain{IncludeParams: includeParams, Active: true},
	}
	return a.runner.Execute(ctx, browser, scrape.Request{Link: link, Timing: timing}), nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if err := a.pool.AwaitIdleThenClose(ctx); err != nil {
		a.logger.Warn("pool drain failed", zap.Error(err))
	}
	a.closeAll(ctx)
	if err := a.logger.Sync(); err != nil && !errors.Is(err, syscall.ENOTTY) && !errors.Is(err, syscall.EINVAL) {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeAll(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}
