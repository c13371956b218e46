package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-pricing/internal/cache"
	"github.com/noah-isme/backend-pricing/internal/checkout"
	"github.com/noah-isme/backend-pricing/internal/config"
	"github.com/noah-isme/backend-pricing/internal/events"
	"github.com/noah-isme/backend-pricing/internal/health"
	"github.com/noah-isme/backend-pricing/internal/lock"
	"github.com/noah-isme/backend-pricing/internal/obs"
	"github.com/noah-isme/backend-pricing/internal/pricing"
	"github.com/noah-isme/backend-pricing/internal/promotion"
	"github.com/noah-isme/backend-pricing/internal/queue"
	"github.com/noah-isme/backend-pricing/internal/repo"
	"github.com/noah-isme/backend-pricing/internal/resilience"
	"github.com/noah-isme/backend-pricing/internal/rules"
)

// App is the wired object graph shared by the binaries.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	Pool       *pgxpool.Pool
	Redis      *redis.Client
	TaskClient *asynq.Client

	Store      repo.Backend
	Bus        *events.Bus
	Cache      pricing.PriceCache
	Rules      *rules.Engine
	Promotions *promotion.Service
	Pricing    *pricing.Service
	Checkout   *checkout.Service

	closers []func(context.Context) error
}

// Options overrides parts of the graph, mostly for tests.
type Options struct {
	// Store replaces the configured backend.
	Store repo.Backend
	// Registerer receives the domain metrics; nil uses the default registry.
	Registerer prometheus.Registerer
	Now        func() time.Time
}

// New builds the graph from cfg. Postgres and Redis are used when their URLs
// are configured; otherwise in-memory implementations take their place.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, opts.Registerer)
	a := &App{Config: cfg, Logger: logger}

	if cfg.TracingEnabled {
		shutdown, err := obs.InitTracer(ctx, obs.TracingConfig{
			ServiceName:   "pricing",
			Endpoint:      cfg.OTLPEndpoint,
			Exporter:      cfg.TracingExporter,
			SamplingRatio: cfg.TracingSamplingRatio,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			return nil, fmt.Errorf("app: init tracer: %w", err)
		}
		a.closers = append(a.closers, shutdown)
	}

	if err := a.initStore(ctx, opts.Store); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	if err := a.initRedis(); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	if err := a.initServices(opts.Now); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) initStore(ctx context.Context, override repo.Backend) error {
	switch {
	case override != nil:
		a.Store = override
	case a.Config.UsesPostgres():
		pool, err := repo.NewPool(ctx, a.Config.DatabaseURL, a.Config.DBMaxConns)
		if err != nil {
			return err
		}
		a.Pool = pool
		a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })
		a.Store = repo.NewPostgresStore(pool)
	default:
		a.Logger.Warn().Msg("database_url_empty_using_memory_store")
		a.Store = repo.NewMemoryStore()
	}
	return nil
}

func (a *App) initRedis() error {
	cfg := a.Config
	if !cfg.UsesRedis() {
		a.Cache = cache.NewMemoryPriceCache(cfg.PriceCacheTTL)
		return nil
	}
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("app: parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		a.Logger.Warn().Err(err).Msg("redis_tracing_instrumentation_failed")
	}
	if err := redisotel.InstrumentMetrics(client); err != nil {
		a.Logger.Warn().Err(err).Msg("redis_metrics_instrumentation_failed")
	}
	a.Redis = client
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	a.Cache = cache.NewRedisPriceCache(client, cfg.PriceCacheTTL, cfg.PriceCachePrefix)

	if cfg.QueueEnabled {
		connOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("app: parse queue redis url: %w", err)
		}
		a.TaskClient = asynq.NewClient(connOpt)
		taskClient := a.TaskClient
		a.closers = append(a.closers, func(context.Context) error { return taskClient.Close() })
	}
	return nil
}

func (a *App) initServices(now func() time.Time) error {
	cfg := a.Config
	logger := a.Logger

	a.Bus = &events.Bus{Store: a.Store, Now: now}
	a.Bus.Subscribe(pricing.CacheInvalidator{Cache: a.Cache})

	evaluator, err := rules.EvaluatorByName(cfg.RuleEvaluator)
	if err != nil {
		return err
	}
	var ruleStore rules.Store = a.Store
	if cfg.RulesFile != "" {
		fileStore, err := rules.LoadFile(cfg.RulesFile)
		if err != nil {
			return err
		}
		ruleStore = fileStore
	}
	ruleGuard := resilience.NewGuard("rules", cfg.StoreTimeout,
		resilience.NewBreaker(cfg.BreakerMinRequests, cfg.BreakerFailureRatio, cfg.BreakerOpenFor).WithLogger(logger), nil)
	promoGuard := resilience.NewGuard("promotions", cfg.StoreTimeout,
		resilience.NewBreaker(cfg.BreakerMinRequests, cfg.BreakerFailureRatio, cfg.BreakerOpenFor).WithLogger(logger), repo.IgnoreNotFound)

	a.Rules = &rules.Engine{
		Store:     repo.GuardedRules{Store: ruleStore, Guard: ruleGuard},
		Evaluator: evaluator,
		Users:     a.Store,
		Now:       now,
		Logger:    &a.Logger,
	}

	a.Promotions = &promotion.Service{
		Store:   repo.GuardedPromotions{Store: a.Store, Guard: promoGuard},
		Ledger:  a.Store,
		LockTTL: cfg.LockTTL,
		Events:  a.Bus,
		Now:     now,
		Logger:  &a.Logger,
	}
	if cfg.UsageLockEnabled && a.Redis != nil {
		a.Promotions.Locker = lock.Locker{R: a.Redis, RetryBackoff: cfg.LockRetryBackoff, MaxWait: cfg.LockTTL}
	}

	a.Pricing = pricing.NewService(a.Rules, a.Promotions, a.Cache, &a.Logger)

	a.Checkout = &checkout.Service{
		Pricing: a.Pricing,
		Orders:  a.Store,
		Usage:   a.Promotions,
		Events:  a.Bus,
		Retry: resilience.RetryPolicy{
			MaxAttempts: cfg.UsageRetryAttempts,
			Base:        cfg.UsageRetryBase,
			Jitter:      cfg.UsageRetryJitter,
		},
		Now:    now,
		Logger: &a.Logger,
	}
	if a.TaskClient != nil {
		a.Checkout.Escalator = &pendingEscalator{
			Enqueuer: queue.Enqueuer{Client: a.TaskClient, MaxRetry: cfg.QueueMaxRetry},
			Orders:   a.Store,
		}
	}
	return nil
}

// UsageHandler returns the queue handler bound to this graph.
func (a *App) UsageHandler() queue.UsageHandler {
	return queue.UsageHandler{Usage: a.Promotions, Orders: a.Store, Logger: &a.Logger}
}

// Close releases every resource in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var joined error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			joined = errors.Join(joined, err)
		}
	}
	a.closers = nil
	return joined
}

// Health returns readiness probes for the configured dependencies.
func (a *App) Health() health.Handler {
	probes := map[string]health.Probe{"postgres": nil, "redis": nil}
	if a.Pool != nil {
		pool := a.Pool
		probes["postgres"] = pool.Ping
	}
	if a.Redis != nil {
		client := a.Redis
		probes["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	return health.Handler{Probes: probes, Timeout: a.Config.StoreTimeout}
}
