package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/paycore/pkg/async"
	"github.com/platinummonkey/paycore/pkg/billing"
	"github.com/platinummonkey/paycore/pkg/config"
	"github.com/platinummonkey/paycore/pkg/events"
	"github.com/platinummonkey/paycore/pkg/locker"
	"github.com/platinummonkey/paycore/pkg/observability"
	"github.com/platinummonkey/paycore/pkg/payment"
	"github.com/platinummonkey/paycore/pkg/plugins"
	"github.com/platinummonkey/paycore/pkg/retry"
	"github.com/platinummonkey/paycore/pkg/storage"
	"github.com/platinummonkey/paycore/pkg/storage/memory"
	"github.com/platinummonkey/paycore/pkg/storage/postgres"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

// app holds every long-lived component of a paycore process
type app struct {
	cfg      *config.Config
	logger   *observability.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	health   *observability.HealthChecker
	shutdown *observability.ShutdownManager

	db    *postgres.ConnectionManager
	redis *redis.Client

	billing    billing.Service
	accounts   *billing.CachedAccountLookup
	queue      retry.Queue
	business   *retry.Scheduler
	plugin     *retry.Scheduler
	dispatcher *async.Dispatcher
	bus        events.Bus
	processor  *payment.Processor
}

// newApp builds the component graph described by cfg. Components are registered
// with the shutdown manager as they are opened so that close runs newest first.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "paycore")

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		health:   observability.NewHealthChecker(version),
		shutdown: observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.Observability.MetricsEnabled {
		a.metrics = observability.NewMetrics(a.registry)
	}

	if err := a.openStorage(); err != nil {
		a.close()
		return nil, err
	}

	lock, err := a.newLocker()
	if err != nil {
		a.close()
		return nil, err
	}

	if err := a.openRetryQueue(); err != nil {
		a.close()
		return nil, err
	}

	if err := a.openBus(); err != nil {
		a.close()
		return nil, err
	}

	registry, err := a.newPluginRegistry()
	if err != nil {
		a.close()
		return nil, err
	}

	a.dispatcher = async.NewDispatcher(cfg.Dispatcher.Workers, cfg.Dispatcher.QueueSize, logger, async.WithMetrics(a.metrics))
	a.shutdown.Register("dispatcher", func(ctx context.Context) error {
		return a.dispatcher.Shutdown(timeLeft(ctx, cfg.Server.ShutdownTimeout))
	})

	var store payment.Store = memory.NewStore()
	if a.db != nil {
		store = postgres.NewPaymentStore(a.db)
	}

	a.processor, err = payment.NewProcessor(payment.Dependencies{
		Accounts:      a.accounts,
		Invoices:      a.billing,
		Store:         store,
		Plugins:       registry,
		Locker:        lock,
		Dispatcher:    a.dispatcher,
		BusinessRetry: a.business,
		PluginRetry:   a.plugin,
		Bus:           a.bus,
		Logger:        logger,
		Metrics:       a.metrics,
	}, payment.Config{
		PluginTimeout: cfg.Dispatcher.PluginTimeout,
		LockMaxTries:  cfg.Lock.MaxTries,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStorage() error {
	cfg := a.cfg

	if cfg.Storage.Backend == "postgres" {
		db, err := postgres.NewConnectionManager(postgres.ConnectionConfigFrom(cfg.Storage), a.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		a.db = db
		a.shutdown.Register("postgres", func(context.Context) error { return db.Close() })
		a.health.AddCheck("postgres", true, db.HealthCheck)
		a.health.AddCheck("postgres_pool", false, observability.DatabaseCheck(db.Primary()))
		a.billing = billing.NewPostgresService(db.Primary())
	} else {
		a.billing = billing.NewMemoryService()
	}
	a.accounts = billing.NewCachedAccountLookup(a.billing, cfg.Plugins.AccountCacheSize, cfg.Plugins.AccountCacheTTL)

	if cfg.Storage.RedisURL != "" {
		client, err := storage.NewRedisClient(cfg.Storage)
		if err != nil {
			return err
		}
		a.redis = client
		a.shutdown.Register("redis", func(context.Context) error { return a.redis.Close() })
		critical := cfg.Lock.Backend == "redis" || cfg.Retry.QueueBackend == "redis"
		a.health.AddCheck("redis", critical, observability.RedisCheck(a.redis))
	}
	return nil
}

func (a *app) newLocker() (locker.Locker, error) {
	switch a.cfg.Lock.Backend {
	case "redis":
		return locker.NewRedisLocker(a.redis, a.cfg.Lock.RedisPrefix, a.cfg.Lock.TTL), nil
	case "postgres":
		if a.db == nil {
			return nil, fmt.Errorf("postgres lock backend requires postgres storage")
		}
		return locker.NewPostgresLocker(a.db.Primary()), nil
	default:
		return locker.NewMemoryLocker(), nil
	}
}

func (a *app) openRetryQueue() error {
	cfg := a.cfg.Retry

	switch cfg.QueueBackend {
	case "redis":
		a.queue = retry.NewRedisQueue(a.redis, cfg.RedisPrefix, cfg.Lease)
	case "postgres":
		if a.db == nil {
			return fmt.Errorf("postgres retry queue requires postgres storage")
		}
		a.queue = postgres.NewRetryQueue(a.db.Primary(), cfg.Lease)
	default:
		a.queue = retry.NewMemoryQueue()
	}

	business := cfg.Business
	a.business = retry.NewScheduler(retry.TrackPaymentFailure, a.queue, &business, retry.WithSchedulerMetrics(a.metrics))
	a.plugin = retry.NewScheduler(retry.TrackPluginFailure, a.queue, retry.NewBackoffPolicy(cfg.PluginBackoff),
		retry.WithSchedulerMetrics(a.metrics))
	return nil
}

func (a *app) openBus() error {
	cfg := a.cfg.Events

	var bus events.Bus
	switch cfg.Backend {
	case "kafka":
		bus = events.NewKafkaBus(cfg.KafkaBrokers, cfg.KafkaTopic)
	case "rabbitmq":
		rb, err := events.NewRabbitBus(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			return fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		bus = rb
	default:
		bus = events.NewMemoryBus(events.WithAsyncDelivery(5 * time.Second))
	}

	if a.metrics != nil {
		bus = events.NewInstrumentedBus(bus, a.metrics)
	}
	a.bus = bus
	a.shutdown.Register("event bus", func(context.Context) error { return bus.Close() })
	return nil
}

func (a *app) newPluginRegistry() (*plugins.Registry, error) {
	cfg := a.cfg.Plugins

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrusLevel(a.cfg.Observability.LogLevel))

	registry := plugins.NewRegistry(cfg.Default, log)
	if err := registry.Register(plugins.NewSimulatedPlugin(cfg.Simulated, log)); err != nil {
		return nil, err
	}
	if cfg.StripeAPIKey != "" {
		stripe := plugins.NewStripePlugin(plugins.StripeConfig{
			APIKey:            cfg.StripeAPIKey,
			BackendURL:        cfg.StripeBackendURL,
			MaxNetworkRetries: cfg.StripeMaxNetworkRetries,
		}, log)
		if err := registry.Register(stripe); err != nil {
			return nil, err
		}
	}
	if !registry.Has(cfg.Default) {
		return nil, fmt.Errorf("default plugin %q is not registered", cfg.Default)
	}

	a.logger.WithField("plugins", registry.Names()).Info("Payment plugins registered")
	return registry, nil
}

// close releases everything opened so far
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return a.shutdown.Shutdown(ctx)
}

func logrusLevel(level observability.LogLevel) logrus.Level {
	switch level {
	case observability.DebugLevel:
		return logrus.DebugLevel
	case observability.WarnLevel:
		return logrus.WarnLevel
	case observability.ErrorLevel:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// timeLeft returns the time until ctx's deadline, or fallback when it has none
func timeLeft(ctx context.Context, fallback time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline)
	}
	return fallback
}
