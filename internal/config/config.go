package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"k8s.io/apimachinery/pkg/api/resource"
)

// Config holds all configuration for the execution orchestrator
type Config struct {
	// Server configuration
	HTTPPort int    `env:"LABEXEC_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"LABEXEC_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Redis configuration
	Redis RedisConfig

	// Kubernetes configuration
	Kubernetes KubernetesConfig

	// Store configuration
	Store StoreConfig

	// Execution defaults
	Defaults DefaultsConfig

	// Result delivery configuration
	Results ResultsConfig

	// Usage polling configuration
	Usage UsageConfig

	// Worker configuration
	Workers WorkerConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`

	// Event stream settings
	ConsumerGroup  string `env:"REDIS_CONSUMER_GROUP" envDefault:"labexec"`
	StreamMaxLen   int64  `env:"REDIS_STREAM_MAX_LEN" envDefault:"10000"`
	EventBusEnable bool   `env:"REDIS_EVENT_BUS" envDefault:"true"`
}

// KubernetesConfig holds cluster access and workload settings
type KubernetesConfig struct {
	// Kubeconfig is ignored when InCluster is set
	Kubeconfig         string        `env:"KUBECONFIG"`
	InCluster          bool          `env:"K8S_IN_CLUSTER" envDefault:"false"`
	ImagePullPolicy    string        `env:"K8S_IMAGE_PULL_POLICY" envDefault:"IfNotPresent"`
	ServiceAccountName string        `env:"K8S_SERVICE_ACCOUNT"`
	QPS                float32       `env:"K8S_QPS" envDefault:"50"`
	Burst              int           `env:"K8S_BURST" envDefault:"100"`
	LaunchQPS          float64       `env:"K8S_LAUNCH_QPS" envDefault:"20"`
	LaunchBurst        int           `env:"K8S_LAUNCH_BURST" envDefault:"40"`
	TerminateDebounce  time.Duration `env:"K8S_TERMINATE_DEBOUNCE" envDefault:"1m"`
	ResyncPeriod       time.Duration `env:"K8S_RESYNC_PERIOD" envDefault:"0s"`
	SummaryConcurrency int           `env:"K8S_SUMMARY_CONCURRENCY" envDefault:"8"`
}

// StoreConfig selects the execution store backend
type StoreConfig struct {
	Backend  string        `env:"STORE_BACKEND" envDefault:"redis"`
	MySQLDSN string        `env:"STORE_MYSQL_DSN"`
	TTL      time.Duration `env:"STORE_REDIS_TTL" envDefault:"0s"`
}

// DefaultsConfig holds the values used when a creation request omits them
type DefaultsConfig struct {
	RAM        string        `env:"EXECUTION_DEFAULT_RAM" envDefault:"1Gi"`
	CPU        string        `env:"EXECUTION_DEFAULT_CPU" envDefault:"1"`
	BookedTime time.Duration `env:"EXECUTION_DEFAULT_BOOKED_TIME" envDefault:"1h"`
}

// ResultsConfig holds result delivery configuration
type ResultsConfig struct {
	Backend    string        `env:"RESULTS_BACKEND" envDefault:"none"`
	URL        string        `env:"RESULTS_URL"`
	Attempts   uint          `env:"RESULTS_RETRY_ATTEMPTS" envDefault:"5"`
	RetryDelay time.Duration `env:"RESULTS_RETRY_DELAY" envDefault:"1s"`
	Timeout    time.Duration `env:"RESULTS_TIMEOUT" envDefault:"60s"`
}

// UsageConfig holds usage polling configuration
type UsageConfig struct {
	ExcludedNamespaces []string `env:"USAGE_EXCLUDED_NAMESPACES" envSeparator:","`
	FinalSnapshot      bool     `env:"USAGE_FINAL_SNAPSHOT" envDefault:"false"`
	CleanupOnTerminal  bool     `env:"CLEANUP_ON_TERMINAL" envDefault:"true"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	PoolSize            int           `env:"WORKER_POOL_SIZE" envDefault:"5"`
	QueueSize           int           `env:"WORKER_QUEUE_SIZE" envDefault:"256"`
	HealthCheckInterval time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
	StallThreshold      time.Duration `env:"WORKER_STALL_THRESHOLD" envDefault:"5m"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	Workload        time.Duration `env:"WORKLOAD_TIMEOUT" envDefault:"30s"`
	Usage           time.Duration `env:"USAGE_TIMEOUT" envDefault:"10s"`
	Store           time.Duration `env:"STORE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	// Validate store config
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the redis store")
		}
	case "sql":
		if c.Store.MySQLDSN == "" {
			return fmt.Errorf("STORE_MYSQL_DSN is required for the sql store")
		}
	default:
		return fmt.Errorf("unsupported store backend: %s (must be memory, redis, or sql)", c.Store.Backend)
	}

	// Validate results config
	switch c.Results.Backend {
	case "none":
	case "http":
		if c.Results.URL == "" {
			return fmt.Errorf("RESULTS_URL is required for the http results backend")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the redis results backend")
		}
	default:
		return fmt.Errorf("unsupported results backend: %s (must be none, http, or redis)", c.Results.Backend)
	}
	if c.Results.Attempts < 1 {
		return fmt.Errorf("results retry attempts must be at least 1")
	}

	// Validate execution defaults
	for name, value := range map[string]string{"EXECUTION_DEFAULT_RAM": c.Defaults.RAM, "EXECUTION_DEFAULT_CPU": c.Defaults.CPU} {
		q, err := resource.ParseQuantity(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, value, err)
		}
		if q.Sign() <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Defaults.BookedTime <= 0 {
		return fmt.Errorf("default booked time must be positive")
	}

	// Validate Kubernetes config
	switch c.Kubernetes.ImagePullPolicy {
	case "Always", "IfNotPresent", "Never":
	default:
		return fmt.Errorf("invalid image pull policy: %s", c.Kubernetes.ImagePullPolicy)
	}

	// Validate worker config
	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}
	if c.Workers.QueueSize < 0 {
		return fmt.Errorf("worker queue size must not be negative")
	}

	// Validate timeouts
	if c.Timeouts.Workload <= 0 || c.Timeouts.Usage <= 0 {
		return fmt.Errorf("workload and usage timeouts must be positive")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}

// NeedsRedis reports whether any configured component talks to Redis
func (c *Config) NeedsRedis() bool {
	return c.Store.Backend == "redis" || c.Results.Backend == "redis" || c.Redis.EventBusEnable
}
