// retryd schedules and executes webhook delivery retries.
//
// Failures arrive over HTTP (POST /retries) or from a Kafka topic. A poller
// processes the due-queue on an interval; every lifecycle event is exported
// as Prometheus metrics and, when Kafka is configured, published to a topic.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/menu-planning/retryd/internal/api"
	"github.com/menu-planning/retryd/internal/config"
	"github.com/menu-planning/retryd/internal/delivery"
	"github.com/menu-planning/retryd/internal/kafka"
	"github.com/menu-planning/retryd/internal/observability"
	"github.com/menu-planning/retryd/internal/repository"
	"github.com/menu-planning/retryd/internal/repository/memory"
	"github.com/menu-planning/retryd/internal/repository/postgres"
	redisstore "github.com/menu-planning/retryd/internal/repository/redis"
	"github.com/menu-planning/retryd/internal/repository/sqlite"
	"github.com/menu-planning/retryd/internal/resilience"
	"github.com/menu-planning/retryd/internal/retry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("retryd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observability.NewLogger(os.Stdout, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opt)
		defer redisClient.Close()
	}

	health := observability.NewHealthHandler()

	store, closeStore, err := openStore(ctx, cfg, redisClient, health, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics("retryd", reg)

	executor := newExecutor(ctx, cfg, redisClient, metrics, logger)

	collectorsList := retry.MultiCollector{metrics}
	var publisher *kafka.EventPublisher
	if cfg.KafkaEnabled() {
		pc := kafka.DefaultProducerConfig()
		pc.Brokers = cfg.KafkaBrokers
		pc.Topic = cfg.EventsTopic
		publisher = kafka.NewEventPublisher(pc, logger)
		collectorsList = append(collectorsList, publisher)
	}

	manager, err := retry.NewManager(cfg.Policy, store,
		retry.WithExecutor(executor),
		retry.WithMetrics(collectorsList),
		retry.WithLogger(logger),
		retry.WithConcurrency(cfg.Concurrency),
		retry.WithClaimTTL(cfg.ClaimTTL),
	)
	if err != nil {
		return fmt.Errorf("create retry manager: %w", err)
	}
	reg.MustRegister(observability.NewQueueCollector("retryd", manager, logger))

	logger.Info("retry policy",
		"initial_interval", cfg.Policy.InitialInterval,
		"max_interval", cfg.Policy.MaxInterval,
		"max_attempts", cfg.Policy.MaxTotalAttempts,
		"max_duration", cfg.Policy.MaxDuration,
		"schedule", cfg.Policy.Schedule(min(cfg.Policy.MaxTotalAttempts, 10)),
	)

	var consumer *kafka.Consumer
	if cfg.KafkaEnabled() {
		cc := kafka.DefaultConsumerConfig()
		cc.Brokers = cfg.KafkaBrokers
		cc.Topic = cfg.FailureTopic
		cc.GroupID = cfg.ConsumerGroup
		cc.InstanceID = cfg.InstanceID
		consumer = kafka.NewConsumer(cc, kafka.NewFailureHandler(manager, logger), logger)
		consumer.Start(ctx)
	} else {
		logger.Info("KAFKA_BROKERS not set, failure intake over HTTP only")
	}

	pollerConfig := retry.DefaultPollerConfig()
	pollerConfig.PollInterval = cfg.PollInterval
	poller := retry.NewPoller(manager, pollerConfig, logger)
	go poller.Start(ctx)

	router := api.NewRouter(api.RouterConfig{
		Handler:       api.NewHandler(manager, logger),
		HealthHandler: health,
		Metrics:       metrics,
		Gatherer:      reg,
		Logger:        logger,
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.DeliveryTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.Addr, "store", cfg.StoreBackend, "instance_id", cfg.InstanceID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	health.SetReady(true)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info("shutting down...")
	case err := <-serverErr:
		logger.Error("server failed", "error", err)
	}
	health.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	if consumer != nil {
		consumer.Stop()
	}
	poller.Stop()
	cancel()
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("failed to close event publisher", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// openStore connects the configured backend, registers its readiness check
// and returns a close function.
func openStore(ctx context.Context, cfg config.Config, rdb *redis.Client, health *observability.HealthHandler, logger *slog.Logger) (repository.RetryStore, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse DATABASE_URL: %w", err)
		}
		poolConfig.MaxConns = cfg.DBMaxConns
		poolConfig.MinConns = max(cfg.DBMaxConns/3, 1)

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping database: %w", err)
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
		logger.Info("connected to database")

		store := postgres.NewStore(pool)
		health.AddCheck("store", store)
		return store, pool.Close, nil

	case config.BackendRedis:
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		logger.Info("connected to redis store")

		store := redisstore.NewStore(rdb, redisstore.DefaultKeyPrefix)
		health.AddCheck("store", store)
		return store, func() {}, nil

	case config.BackendSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info("opened sqlite store", "path", cfg.SQLitePath)

		health.AddCheck("store", store)
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Error("failed to close sqlite store", "error", err)
			}
		}, nil

	default:
		logger.Warn("using in-memory store, retry state is lost on restart")
		return memory.NewStore(), func() {}, nil
	}
}

// newExecutor builds the HTTP executor behind a per-host guard. The rate
// limiter is shared through Redis when it is reachable.
func newExecutor(ctx context.Context, cfg config.Config, rdb *redis.Client, metrics *observability.Metrics, logger *slog.Logger) retry.WebhookExecutor {
	dc := delivery.DefaultConfig()
	dc.Timeout = cfg.DeliveryTimeout
	dc.SigningSecret = cfg.SigningSecret
	exec := delivery.NewExecutor(dc, delivery.WithLogger(logger))

	breakers := resilience.NewCircuitBreakerManager(resilience.DefaultCircuitBreakerConfig())
	breakers.OnStateChange(func(host string, from, to resilience.BreakerState) {
		logger.Warn("circuit breaker state changed", "host", host, "from", from, "to", to)
		metrics.BreakerStateChanged(host, from, to)
	})

	opts := []resilience.GuardOption{
		resilience.WithCircuitBreaker(breakers),
		resilience.WithRejectHook(metrics.DeliveryRejected),
		resilience.WithGuardLogger(logger),
	}

	if cfg.DeliveryRateLimit > 0 {
		var limiter resilience.RateLimiter
		if rdb != nil && rdb.Ping(ctx).Err() == nil {
			logger.Info("using redis rate limiter")
			limiter = resilience.NewRedisRateLimiter(rdb, resilience.DefaultRedisRateLimiterConfig(), logger)
		} else {
			logger.Info("using in-memory rate limiter")
			limiter = resilience.NewRateLimiterManager(resilience.DefaultRateLimiterConfig())
		}
		opts = append(opts, resilience.WithRateLimit(limiter, cfg.DeliveryRateLimit))
	}

	return resilience.NewGuard(exec, opts...)
}
