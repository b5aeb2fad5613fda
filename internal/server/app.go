// Package server builds the campaign indexer from configuration and runs its roles.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/campaign-indexer/internal/api"
	"github.com/JakeFAU/campaign-indexer/internal/campaign"
	"github.com/JakeFAU/campaign-indexer/internal/config"
	"github.com/JakeFAU/campaign-indexer/internal/dispatcher"
	"github.com/JakeFAU/campaign-indexer/internal/id/uuid"
	"github.com/JakeFAU/campaign-indexer/internal/indexing"
	"github.com/JakeFAU/campaign-indexer/internal/intake"
	memoryledger "github.com/JakeFAU/campaign-indexer/internal/ledger/memory"
	redisledger "github.com/JakeFAU/campaign-indexer/internal/ledger/redis"
	"github.com/JakeFAU/campaign-indexer/internal/logging"
	"github.com/JakeFAU/campaign-indexer/internal/metrics"
	memorypublisher "github.com/JakeFAU/campaign-indexer/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/campaign-indexer/internal/publisher/pubsub"
	memoryqueue "github.com/JakeFAU/campaign-indexer/internal/queue/memory"
	redisqueue "github.com/JakeFAU/campaign-indexer/internal/queue/redis"
	"github.com/JakeFAU/campaign-indexer/internal/ratelimit"
	redislimiter "github.com/JakeFAU/campaign-indexer/internal/ratelimit/redis"
	"github.com/JakeFAU/campaign-indexer/internal/recovery"
	"github.com/JakeFAU/campaign-indexer/internal/status"
	memorystore "github.com/JakeFAU/campaign-indexer/internal/storage/memory"
	pgstore "github.com/JakeFAU/campaign-indexer/internal/storage/postgres"
	"github.com/JakeFAU/campaign-indexer/internal/telemetry"
	"github.com/JakeFAU/campaign-indexer/internal/worker"
)

const (
	shutdownTimeout = 10 * time.Second
	// memoryOutcomeTopic receives outcomes when no Pub/Sub topic is configured.
	memoryOutcomeTopic = "indexing-outcomes"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	sweeper   *recovery.Sweeper

	store     campaign.Store
	ledger    campaign.Ledger
	queue     campaign.Queue
	memQueue  *memoryqueue.Queue
	publisher campaign.Publisher
	checks    []api.ReadinessCheck

	redis           *goredis.Client
	pool            *pgxpool.Pool
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	tracerProvider  *sdktrace.TracerProvider

	closeOnce sync.Once
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (app *App, err error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app = &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.Strings("roles", cfg.Roles),
		zap.Any("config", cfg.Redacted()),
	)
	defer func() {
		if err != nil {
			app.closeInfrastructure()
		}
	}()

	if cfg.Tracing.Enabled {
		app.tracerProvider, err = telemetry.InitTracerProvider(ctx, logging.Service, cfg.Tracing.SampleRatio)
		if err != nil {
			return nil, fmt.Errorf("tracing init failed: %w", err)
		}
	}

	if err = app.setupClients(ctx); err != nil {
		return nil, err
	}
	if err = app.setupStore(); err != nil {
		return nil, err
	}
	if err = app.setupLedger(); err != nil {
		return nil, err
	}
	if err = app.setupQueue(); err != nil {
		return nil, err
	}
	if err = app.setupPublisher(ctx); err != nil {
		return nil, err
	}

	var workers []*worker.Worker
	if cfg.HasRole(config.RoleWorker) {
		workers, err = app.setupWorkers(ctx)
		if err != nil {
			return nil, err
		}
	}
	app.dispatch = dispatcher.New(app.queue, workers)

	if cfg.HasRole(config.RoleSweeper) {
		app.sweeper = recovery.New(app.store, app.queue, campaign.SystemClock{}, recovery.Config{
			Interval:   cfg.Recovery.Interval,
			StaleAfter: cfg.Recovery.StaleAfter,
			BatchSize:  cfg.Recovery.BatchSize,
		}, logger.Named("recovery"))
	}

	if cfg.HasRole(config.RoleAPI) {
		intakeSvc := intake.New(
			app.store,
			app.ledger,
			app.dispatch,
			uuid.New(),
			campaign.SystemClock{},
			intake.Config{InitialCredits: cfg.Credits.Initial, MaxURLs: cfg.Credits.MaxURLs},
			logger.Named("intake"),
		)
		app.apiServer = api.NewServer(
			intakeSvc,
			status.New(app.store, app.ledger),
			app.checks,
			cfg.Server,
			logger,
		)
	}

	return app, nil
}

func (a *App) setupClients(ctx context.Context) error {
	if a.cfg.UsesRedis() {
		opts := &goredis.Options{
			Addr:     a.cfg.Redis.Addr,
			Username: a.cfg.Redis.Username,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		}
		if a.cfg.Redis.TLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		a.redis = goredis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		a.checks = append(a.checks, api.ReadinessCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return a.redis.Ping(ctx).Err() },
		})
		a.logger.Info("redis client initialized", zap.String("addr", a.cfg.Redis.Addr), zap.Bool("tls", a.cfg.Redis.TLS))
	}

	if a.cfg.UsesPostgres() {
		if a.cfg.DB.Migrate {
			if err := pgstore.RunMigrations(a.cfg.DB.DSN); err != nil {
				return fmt.Errorf("postgres migrations failed: %w", err)
			}
			a.logger.Info("postgres migrations applied")
		}
		var err error
		a.pool, err = pgstore.NewPool(ctx, pgstore.PoolConfig{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres pool init failed: %w", err)
		}
		a.checks = append(a.checks, api.ReadinessCheck{Name: "postgres", Check: a.pool.Ping})
		a.logger.Info("postgres pool initialized", zap.Int32("max_conns", a.cfg.DB.MaxConns))
	}
	return nil
}

func (a *App) setupStore() error {
	switch a.cfg.Store.Backend {
	case config.BackendPostgres:
		store, err := pgstore.NewCampaignStore(a.pool)
		if err != nil {
			return fmt.Errorf("campaign store init failed: %w", err)
		}
		a.store = store
	default:
		a.logger.Warn("using in-memory campaign store; campaigns are lost on restart")
		a.store = memorystore.NewCampaignStore()
	}
	return nil
}

func (a *App) setupLedger() error {
	switch a.cfg.Ledger.Backend {
	case config.BackendRedis:
		ledger, err := redisledger.New(a.redis, a.cfg.Ledger.KeyPrefix)
		if err != nil {
			return fmt.Errorf("redis ledger init failed: %w", err)
		}
		a.ledger = ledger
	case config.BackendPostgres:
		ledger, err := pgstore.NewLedger(a.pool)
		if err != nil {
			return fmt.Errorf("postgres ledger init failed: %w", err)
		}
		a.ledger = ledger
	default:
		a.logger.Warn("using in-memory credit ledger; balances are lost on restart")
		a.ledger = memoryledger.New()
	}
	return nil
}

func (a *App) setupQueue() error {
	switch a.cfg.Queue.Backend {
	case config.BackendRedis:
		q, err := redisqueue.New(a.redis, redisqueue.Config{
			Prefix:            a.cfg.Queue.Prefix,
			VisibilityTimeout: a.cfg.Queue.VisibilityTimeout,
			PollInterval:      a.cfg.Queue.PollInterval,
		}, campaign.SystemClock{})
		if err != nil {
			return fmt.Errorf("redis queue init failed: %w", err)
		}
		a.queue = q
	default:
		a.memQueue = memoryqueue.NewQueue(a.cfg.Queue.VisibilityTimeout)
		a.queue = a.memQueue
	}
	a.logger.Info("job queue initialized",
		zap.String("backend", a.cfg.Queue.Backend),
		zap.Duration("visibility_timeout", a.cfg.Queue.VisibilityTimeout),
	)
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.pubsubPublisher = gcppublisher.New(client.Publisher(a.cfg.PubSub.TopicName))
	a.publisher = a.pubsubPublisher
	a.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) outcomeTopic() string {
	if a.pubsubPublisher != nil {
		return a.cfg.PubSub.TopicName
	}
	return memoryOutcomeTopic
}

func (a *App) setupLimiter() (campaign.Limiter, error) {
	if a.cfg.Indexing.Limiter == config.BackendRedis {
		limiter, err := redislimiter.New(a.redis, redislimiter.Config{
			Key:   a.cfg.Indexing.LimiterKey,
			RPS:   a.cfg.Indexing.RPS,
			Burst: a.cfg.Indexing.Burst,
		}, campaign.SystemClock{})
		if err != nil {
			return nil, fmt.Errorf("redis limiter init failed: %w", err)
		}
		a.logger.Info("shared provider rate limit", zap.String("key", a.cfg.Indexing.LimiterKey))
		return limiter, nil
	}
	return ratelimit.New(ratelimit.Config{RPS: a.cfg.Indexing.RPS, Burst: a.cfg.Indexing.Burst}), nil
}

func (a *App) setupNotifier(ctx context.Context) (campaign.Notifier, error) {
	if a.cfg.Indexing.DryRun {
		a.logger.Warn("indexing dry run enabled; no notifications are sent")
		return indexing.NewDryRun(a.logger.Named("indexing")), nil
	}

	creds := indexing.Credentials{
		JSON:        []byte(a.cfg.Indexing.CredentialsJSON),
		ClientEmail: a.cfg.Indexing.ClientEmail,
		PrivateKey:  a.cfg.Indexing.PrivateKey,
	}
	if a.cfg.Indexing.CredentialsFile != "" {
		raw, err := os.ReadFile(a.cfg.Indexing.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read indexing credentials: %w", err)
		}
		creds.JSON = raw
	}
	fetch, err := indexing.ServiceAccountFetcher(ctx, creds, indexing.Scope)
	if err != nil {
		return nil, fmt.Errorf("indexing credentials init failed: %w", err)
	}
	client, err := indexing.New(ctx, indexing.Config{
		Endpoint:         a.cfg.Indexing.Endpoint,
		NotificationType: a.cfg.Indexing.NotificationType,
	}, indexing.NewTokenCache(fetch, a.cfg.Indexing.TokenSkew))
	if err != nil {
		return nil, fmt.Errorf("indexing client init failed: %w", err)
	}
	a.logger.Info("indexing client initialized",
		zap.String("endpoint", a.cfg.Indexing.Endpoint),
	)
	return client, nil
}

func (a *App) setupWorkers(ctx context.Context) ([]*worker.Worker, error) {
	notifier, err := a.setupNotifier(ctx)
	if err != nil {
		return nil, err
	}
	limiter, err := a.setupLimiter()
	if err != nil {
		return nil, err
	}
	workerCfg := worker.Config{
		MaxAttempts:    a.cfg.Worker.MaxAttempts,
		BackoffBase:    a.cfg.Worker.BackoffBase,
		BackoffMax:     a.cfg.Worker.BackoffMax,
		RequestTimeout: a.cfg.Worker.RequestTimeout,
		Topic:          a.outcomeTopic(),
		RefundAttempts: a.cfg.Worker.RefundAttempts,
	}
	a.logger.Info("worker config",
		zap.Int("concurrency", a.cfg.Worker.Concurrency),
		zap.Int("max_attempts", workerCfg.MaxAttempts),
		zap.Duration("backoff_base", workerCfg.BackoffBase),
		zap.Duration("backoff_max", workerCfg.BackoffMax),
		zap.Duration("request_timeout", workerCfg.RequestTimeout),
		zap.String("topic", workerCfg.Topic),
		zap.String("limiter", a.cfg.Indexing.Limiter),
		zap.Float64("rps", a.cfg.Indexing.RPS),
		zap.Int("burst", a.cfg.Indexing.Burst),
	)

	workers := make([]*worker.Worker, 0, a.cfg.Worker.Concurrency)
	for i := 0; i < a.cfg.Worker.Concurrency; i++ {
		workers = append(workers, worker.New(
			a.queue,
			a.store,
			a.ledger,
			notifier,
			limiter,
			a.publisher,
			campaign.SystemClock{},
			workerCfg,
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	return workers, nil
}

// start launches the background roles. The returned WaitGroup completes once
// they have all returned.
func (a *App) start(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	if a.cfg.HasRole(config.RoleWorker) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Worker.Concurrency))
			a.dispatch.Run(ctx)
		}()
	}
	if a.sweeper != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("recovery sweeper started", zap.Duration("interval", a.cfg.Recovery.Interval))
			a.sweeper.Run(ctx)
		}()
	}
	return &wg
}

// Handler returns the HTTP handler, or nil when the api role is disabled.
func (a *App) Handler() http.Handler {
	if a.apiServer == nil {
		return nil
	}
	return a.apiServer.Handler()
}

// Run starts the configured roles and blocks until the context is canceled
// or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	background := a.start(ctx)

	var srv *http.Server
	if a.apiServer != nil {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	a.wait(shutdownCtx, background)

	return a.Close()
}

func (a *App) wait(ctx context.Context, wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("background roles did not stop before the shutdown deadline")
	}
}

// Close gracefully shuts down the application.
func (a *App) Close() error {
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
	if err := a.logger.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) && !errors.Is(err, syscall.ENOTTY) {
		return fmt.Errorf("logger sync failed: %w", err)
	}
	return nil
}

func (a *App) closeInfrastructure() {
	a.closeOnce.Do(a.closeClients)
}

func (a *App) closeClients() {
	if a.memQueue != nil {
		a.memQueue.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.tracerProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer provider shutdown failed", zap.Error(err))
		}
	}
}
