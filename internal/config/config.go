// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv          string `env:"APP_ENV" envDefault:"dev"`
	WorkerID        string `env:"WORKER_ID"`
	MetricsPort     int    `env:"METRICS_PORT" envDefault:"9090"`
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"saturn-crawler-worker"`

	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Task Consumer Configuration
	ConsumerMaxConcurrentTasks  int           `env:"CONSUMER_MAX_CONCURRENT_TASKS" envDefault:"5"`
	ConsumerTaskTimeout         time.Duration `env:"CONSUMER_TASK_TIMEOUT" envDefault:"30s"`
	ConsumerDequeueBlockTimeout time.Duration `env:"CONSUMER_DEQUEUE_BLOCK_TIMEOUT" envDefault:"5s"`
	ConsumerHeartbeatInterval   time.Duration `env:"CONSUMER_HEARTBEAT_INTERVAL" envDefault:"30s"`
	ConsumerDeadlineScanEvery   time.Duration `env:"CONSUMER_DEADLINE_SCAN_INTERVAL" envDefault:"10s"`
	ConsumerBackpressureSleep   time.Duration `env:"CONSUMER_BACKPRESSURE_SLEEP" envDefault:"1s"`
	SupportedTaskTypes          []string      `env:"SUPPORTED_TASK_TYPES" envSeparator:","`
	SupportedMarkets            []string      `env:"SUPPORTED_MARKETS" envSeparator:","`

	// Resource Injector Configuration
	ProxyIdleExpiry           time.Duration `env:"PROXY_IDLE_EXPIRY" envDefault:"1h"`
	CredentialFreshnessWindow time.Duration `env:"CREDENTIAL_FRESHNESS_WINDOW" envDefault:"30m"`
	InjectorCleanupInterval   time.Duration `env:"INJECTOR_CLEANUP_INTERVAL" envDefault:"5m"`
	NoProxyConcurrencyCap     int           `env:"NO_PROXY_CONCURRENCY_CAP" envDefault:"5"`
	WithProxyConcurrencyCap   int           `env:"WITH_PROXY_CONCURRENCY_CAP" envDefault:"20"`

	// Drain Controller Configuration
	DrainMaxWaitSeconds time.Duration `env:"DRAIN_MAX_WAIT_SECONDS" envDefault:"90s"`
	DrainPollInterval   time.Duration `env:"DRAIN_POLL_INTERVAL" envDefault:"5s"`
	DrainCleanupTimeout time.Duration `env:"DRAIN_CLEANUP_TIMEOUT" envDefault:"15s"`
	DrainForceExitDelay time.Duration `env:"DRAIN_FORCE_EXIT_DELAY" envDefault:"5s"`

	// Broker delayed-task pump (spec.md §5 / §9: a backend responsibility,
	// implemented here as a background pump owned by the Redis gateway).
	DelayedTaskPumpInterval time.Duration `env:"DELAYED_TASK_PUMP_INTERVAL" envDefault:"30s"`

	// Retry Configuration
	RetryMaxRetries        int           `env:"RETRY_MAX_RETRIES" envDefault:"3"`
	RetryTransientBaseStep time.Duration `env:"RETRY_TRANSIENT_BASE_STEP" envDefault:"60s"`
	RetryTransientMaxDelay time.Duration `env:"RETRY_TRANSIENT_MAX_DELAY" envDefault:"300s"`
	RetryTimeoutDelay      time.Duration `env:"RETRY_TIMEOUT_DELAY" envDefault:"300s"`
	RetryFilterRejectDelay time.Duration `env:"RETRY_FILTER_REJECT_DELAY" envDefault:"60s"`

	// Autoscaler Configuration
	AutoscalerPollInterval time.Duration `env:"AUTOSCALER_POLL_INTERVAL" envDefault:"30s"`
	AutoscalerCooldown     time.Duration `env:"AUTOSCALER_COOLDOWN" envDefault:"2m"`
	DeploymentConfigPath   string        `env:"DEPLOYMENT_CONFIG_PATH" envDefault:"deployments.yaml"`
	KubeNamespace          string        `env:"KUBE_NAMESPACE" envDefault:"default"`
	KubeconfigPath         string        `env:"KUBECONFIG_PATH" envDefault:""`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
