package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/paycore/pkg/observability"
	"github.com/platinummonkey/paycore/pkg/plugins"
	"github.com/platinummonkey/paycore/pkg/retry"
	"github.com/platinummonkey/paycore/pkg/storage"
	"github.com/platinummonkey/paycore/pkg/storage/postgres"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Lock          LockConfig
	Dispatcher    DispatcherConfig
	Retry         RetryConfig
	Events        EventsConfig
	Plugins       PluginsConfig
	Observability ObservabilityConfig
}

// ServerConfig holds the ops HTTP server settings (health, readiness, metrics)
type ServerConfig struct {
	Host            string
	OpsPort         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// LockConfig selects and tunes the account locker
type LockConfig struct {
	Backend     string // memory, redis or postgres
	MaxTries    int
	TTL         time.Duration
	RedisPrefix string
}

// DispatcherConfig sizes the plugin worker pool
type DispatcherConfig struct {
	Workers       int
	QueueSize     int
	PluginTimeout time.Duration
}

// RetryConfig holds both retry tracks and their delivery
type RetryConfig struct {
	QueueBackend  string // memory, redis or postgres
	RedisPrefix   string
	Lease         time.Duration
	PolicyFile    string
	Business      retry.DaysPolicy
	PluginBackoff retry.BackoffConfig
	Poller        retry.PollerConfig
}

// EventsConfig selects the event bus
type EventsConfig struct {
	Backend      string // memory, kafka or rabbitmq
	KafkaBrokers []string
	KafkaTopic   string
	RabbitURL    string
	RabbitQueue  string
}

// PluginsConfig configures the payment plugins and account lookups
type PluginsConfig struct {
	Default                 string
	StripeAPIKey            string
	StripeBackendURL        string
	StripeMaxNetworkRetries int64
	Simulated               plugins.SimulatedConfig
	AccountCacheSize        int
	AccountCacheTTL         time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// OTel returns the settings for observability.InitOTel
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
	}
}

// LoadConfig loads configuration from environment variables, then applies the
// policy file when PAYCORE_POLICY_FILE is set.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Lock:          loadLockConfig(),
		Dispatcher:    loadDispatcherConfig(),
		Retry:         loadRetryConfig(),
		Events:        loadEventsConfig(),
		Plugins:       loadPluginsConfig(),
		Observability: loadObservabilityConfig(),
	}

	if cfg.Retry.PolicyFile != "" {
		policy, err := LoadPolicyFile(cfg.Retry.PolicyFile)
		if err != nil {
			return nil, err
		}
		policy.Apply(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("PAYCORE_HOST", "0.0.0.0"),
		OpsPort:         getEnv("PAYCORE_OPS_PORT", "9090"),
		ReadTimeout:     getEnvDuration("PAYCORE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("PAYCORE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("PAYCORE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("PAYCORE_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if backend := getEnv("PAYCORE_STORAGE_BACKEND", ""); backend != "" {
		cfg.Backend = backend
	}

	if pgURL := getEnv("PAYCORE_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if replicaURLs := getEnv("PAYCORE_POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.PostgresReplicaURLs = postgres.ParseReplicaURLs(replicaURLs)
	}
	if maxConns := getEnvInt("PAYCORE_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("PAYCORE_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("PAYCORE_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	if redisURL := getEnv("PAYCORE_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("PAYCORE_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("PAYCORE_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisPoolSize := getEnvInt("PAYCORE_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	return cfg
}

func loadLockConfig() LockConfig {
	return LockConfig{
		Backend:     getEnv("PAYCORE_LOCK_BACKEND", "memory"),
		MaxTries:    getEnvInt("PAYCORE_LOCK_MAX_TRIES", 5),
		TTL:         getEnvDuration("PAYCORE_LOCK_TTL", 2*time.Minute),
		RedisPrefix: getEnv("PAYCORE_LOCK_REDIS_PREFIX", "paycore:lock:"),
	}
}

func loadDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:       getEnvInt("PAYCORE_DISPATCHER_WORKERS", 16),
		QueueSize:     getEnvInt("PAYCORE_DISPATCHER_QUEUE", 256),
		PluginTimeout: getEnvDuration("PAYCORE_PLUGIN_TIMEOUT", 30*time.Second),
	}
}

func loadRetryConfig() RetryConfig {
	business := retry.DefaultDaysPolicy()
	if days := getEnv("PAYCORE_RETRY_DAYS", ""); days != "" {
		if parsed, err := parseDays(days); err == nil {
			business.RetryDays = parsed
		}
	}

	backoff := retry.DefaultBackoffConfig()
	backoff.MaxAttempts = getEnvInt("PAYCORE_PLUGIN_RETRY_MAX_ATTEMPTS", backoff.MaxAttempts)
	backoff.InitialDelay = getEnvDuration("PAYCORE_PLUGIN_RETRY_INITIAL_DELAY", backoff.InitialDelay)
	backoff.MaxDelay = getEnvDuration("PAYCORE_PLUGIN_RETRY_MAX_DELAY", backoff.MaxDelay)

	poller := retry.DefaultPollerConfig()
	poller.Schedule = getEnv("PAYCORE_RETRY_POLL_SCHEDULE", poller.Schedule)
	poller.BatchSize = getEnvInt("PAYCORE_RETRY_POLL_BATCH", poller.BatchSize)
	poller.Workers = getEnvInt("PAYCORE_RETRY_POLL_WORKERS", poller.Workers)
	poller.RedeliveryDelay = getEnvDuration("PAYCORE_RETRY_REDELIVERY_DELAY", poller.RedeliveryDelay)

	return RetryConfig{
		QueueBackend:  getEnv("PAYCORE_RETRY_QUEUE_BACKEND", "memory"),
		RedisPrefix:   getEnv("PAYCORE_RETRY_REDIS_PREFIX", "paycore:retry:"),
		Lease:         getEnvDuration("PAYCORE_RETRY_LEASE", retry.DefaultLease),
		PolicyFile:    getEnv("PAYCORE_POLICY_FILE", ""),
		Business:      *business,
		PluginBackoff: backoff,
		Poller:        poller,
	}
}

func loadEventsConfig() EventsConfig {
	return EventsConfig{
		Backend:      getEnv("PAYCORE_EVENTS_BACKEND", "memory"),
		KafkaBrokers: splitList(getEnv("PAYCORE_KAFKA_BROKERS", "")),
		KafkaTopic:   getEnv("PAYCORE_KAFKA_TOPIC", "paycore.payments"),
		RabbitURL:    getEnv("PAYCORE_RABBITMQ_URL", ""),
		RabbitQueue:  getEnv("PAYCORE_RABBITMQ_QUEUE", "paycore.payments"),
	}
}

func loadPluginsConfig() PluginsConfig {
	return PluginsConfig{
		Default:                 getEnv("PAYCORE_DEFAULT_PLUGIN", "simulated"),
		StripeAPIKey:            getEnv("PAYCORE_STRIPE_API_KEY", ""),
		StripeBackendURL:        getEnv("PAYCORE_STRIPE_BACKEND_URL", ""),
		StripeMaxNetworkRetries: int64(getEnvInt("PAYCORE_STRIPE_MAX_NETWORK_RETRIES", 2)),
		Simulated: plugins.SimulatedConfig{
			Name:        "simulated",
			DeclineRate: getEnvFloat("PAYCORE_SIMULATED_DECLINE_RATE", 0.1),
			ErrorRate:   getEnvFloat("PAYCORE_SIMULATED_ERROR_RATE", 0.02),
			MinLatency:  getEnvDuration("PAYCORE_SIMULATED_MIN_LATENCY", 20*time.Millisecond),
			MaxLatency:  getEnvDuration("PAYCORE_SIMULATED_MAX_LATENCY", 200*time.Millisecond),
		},
		AccountCacheSize: getEnvInt("PAYCORE_ACCOUNT_CACHE_SIZE", 10000),
		AccountCacheTTL:  getEnvDuration("PAYCORE_ACCOUNT_CACHE_TTL", 5*time.Minute),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("PAYCORE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("PAYCORE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("PAYCORE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("PAYCORE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("PAYCORE_OTEL_SERVICE_NAME", "paycore"),
		OTelServiceVersion: getEnv("PAYCORE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("PAYCORE_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.OpsPort == "" {
		return fmt.Errorf("ops port is required")
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (must be memory or postgres)", c.Storage.Backend)
	}

	if err := c.requireBackend("lock", c.Lock.Backend); err != nil {
		return err
	}
	if err := c.requireBackend("retry queue", c.Retry.QueueBackend); err != nil {
		return err
	}
	if c.Lock.MaxTries < 1 {
		return fmt.Errorf("lock max tries must be at least 1")
	}

	if c.Dispatcher.Workers < 1 {
		return fmt.Errorf("dispatcher workers must be at least 1")
	}
	if c.Dispatcher.PluginTimeout <= 0 {
		return fmt.Errorf("plugin timeout must be positive")
	}

	if c.Retry.Business.MaxAttempts() < 1 {
		return fmt.Errorf("business retry policy must allow at least one attempt")
	}
	for _, d := range c.Retry.Business.RetryDays {
		if d < 0 {
			return fmt.Errorf("retry days must not be negative: %v", c.Retry.Business.RetryDays)
		}
	}

	switch c.Events.Backend {
	case "memory":
	case "kafka":
		if len(c.Events.KafkaBrokers) == 0 {
			return fmt.Errorf("kafka brokers are required for the kafka event bus")
		}
	case "rabbitmq":
		if c.Events.RabbitURL == "" {
			return fmt.Errorf("rabbitmq URL is required for the rabbitmq event bus")
		}
	default:
		return fmt.Errorf("invalid events backend: %s (must be memory, kafka, or rabbitmq)", c.Events.Backend)
	}

	switch c.Plugins.Default {
	case "simulated":
	case "stripe":
		if c.Plugins.StripeAPIKey == "" {
			return fmt.Errorf("stripe API key is required when stripe is the default plugin")
		}
	default:
		return fmt.Errorf("invalid default plugin: %s (must be simulated or stripe)", c.Plugins.Default)
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// requireBackend validates a memory/redis/postgres choice against the storage settings
func (c *Config) requireBackend(what, backend string) error {
	switch backend {
	case "memory":
		return nil
	case "redis":
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the redis %s", what)
		}
		return nil
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for the postgres %s", what)
		}
		return nil
	default:
		return fmt.Errorf("invalid %s backend: %s (must be memory, redis, or postgres)", what, backend)
	}
}

// parseDays parses a comma-separated list of day offsets, e.g. "8,8"
func parseDays(value string) ([]int, error) {
	var days []int
	for _, part := range splitList(value) {
		d, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid retry day %q: %w", part, err)
		}
		days = append(days, d)
	}
	return days, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
