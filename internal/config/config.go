// Package config loads the application configuration from environment
// variables, an optional YAML file, and defaults, in that order of
// precedence (env wins). A .env file for local development is loaded
// into the environment first, without overriding variables already
// set, so its values rank as environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config aggregates every sub-concern's configuration into one tree
// unmarshaled from a single viper instance.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Debug     bool            `mapstructure:"debug"`
}

// ServerConfig contains HTTP/WebSocket gateway settings.
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	BodyLimit    int           `mapstructure:"body_limit"`
	// RequestDeadline bounds how long a /api/query, /api/mutation, or
	// /api/action call is allowed to run before the gateway cancels it.
	RequestDeadline time.Duration `mapstructure:"request_deadline"`
}

// DatabaseConfig contains the connection settings for the storage
// engine backing DocumentStore.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int32         `mapstructure:"max_connections"`
	MinConnections  int32         `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheck     time.Duration `mapstructure:"health_check_period"`
}

// ConnectionString builds a libpq-style DSN for pgxpool.ParseConfig.
func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// RealtimeConfig contains SubscriptionHub tuning.
type RealtimeConfig struct {
	// ReconnectGraceWindow is the default TTL a disconnected session's
	// subscriptions are retained for (default 60s).
	ReconnectGraceWindow time.Duration `mapstructure:"reconnect_grace_window"`
	// HeartbeatInterval T: the hub expects a ping every T; missing 3x T
	// demotes the session to Reconnecting.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// SendQueueSize is loaded but not read by any component: every
	// connection's outbound queue has realtime.DefaultMessageQueueSize
	// slots.
	SendQueueSize int `mapstructure:"send_queue_size"`
	// WorkerPoolSize is loaded but not read by any component: the hub
	// has no work queue or worker pool and handles each frame and
	// write on the calling goroutine.
	WorkerPoolSize int `mapstructure:"worker_pool_size"`
	// PubSubBackend selects cross-instance invalidation fanout:
	// "local" (single instance) or "redis".
	PubSubBackend string `mapstructure:"pubsub_backend"`
	RedisURL      string `mapstructure:"redis_url"`
}

// SchedulerConfig contains Scheduler tuning.
type SchedulerConfig struct {
	// PollInterval is loaded but not read by the scheduler, whose tick
	// scans for run_at <= now() rows every second.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// BaseDelay is the base_delay term in run_at = now + 2^retries *
	// base_delay.
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxRetries    int           `mapstructure:"max_retries"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
}

// SyncConfig contains SyncEngine defaults.
type SyncConfig struct {
	// DefaultStrategy is the conflict resolution strategy the
	// sync:resolve action uses when its args name no "strategy".
	DefaultStrategy string `mapstructure:"default_strategy"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig contains zerolog settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load reads configuration from environment variables (prefixed
// NEXUS_), an optional YAML file, and defaults; env vars win over the
// file, and the file wins over defaults. A .env or .env.local file is
// loaded into the environment first and never overrides a variable
// already set, so its values also win over the YAML file.
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		log.Debug().Msg("No .env file found - using environment variables and defaults")
	}

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("NEXUS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	configPaths := []string{
		"./nexus.yaml",
		"./nexus.yml",
		"./config/nexus.yaml",
		"/etc/nexus/nexus.yaml",
	}

	var configLoaded bool
	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			viper.SetConfigFile(path)
			if err := viper.ReadInConfig(); err != nil {
				log.Warn().Err(err).Str("file", path).Msg("Config file found but could not be parsed, using environment variables and defaults")
			} else {
				log.Info().Str("file", path).Msg("Config file loaded")
				configLoaded = true
			}
			break
		}
	}
	if !configLoaded {
		log.Info().Msg("No config file found, using environment variables and defaults")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func loadEnvFile() error {
	locations := []string{".env", ".env.local"}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			if err := godotenv.Load(location); err != nil {
				return fmt.Errorf("error loading .env file from %s: %w", location, err)
			}
			log.Info().Str("file", location).Msg(".env file loaded")
			return nil
		}
	}
	return fmt.Errorf("no .env file found")
}

func setDefaults() {
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.body_limit", 4*1024*1024)
	viper.SetDefault("server.request_deadline", "30s")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "nexus")
	viper.SetDefault("database.password", "nexus")
	viper.SetDefault("database.database", "nexus")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_connections", 25)
	viper.SetDefault("database.min_connections", 2)
	viper.SetDefault("database.max_conn_lifetime", "1h")
	viper.SetDefault("database.max_conn_idle_time", "30m")
	viper.SetDefault("database.health_check_period", "1m")

	viper.SetDefault("realtime.reconnect_grace_window", "60s")
	viper.SetDefault("realtime.heartbeat_interval", "15s")
	viper.SetDefault("realtime.send_queue_size", 64)
	viper.SetDefault("realtime.worker_pool_size", 16)
	viper.SetDefault("realtime.pubsub_backend", "local")
	viper.SetDefault("realtime.redis_url", "")

	viper.SetDefault("scheduler.poll_interval", "1s")
	viper.SetDefault("scheduler.base_delay", "1s")
	viper.SetDefault("scheduler.max_retries", 5)
	viper.SetDefault("scheduler.max_concurrent", 16)

	viper.SetDefault("sync.default_strategy", "server-wins")

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.endpoint", "localhost:4317")
	viper.SetDefault("tracing.service_name", "nexus")
	viper.SetDefault("tracing.environment", "development")
	viper.SetDefault("tracing.sample_rate", 1.0)
	viper.SetDefault("tracing.insecure", true)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("metrics.path", "/metrics")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.pretty", false)

	viper.SetDefault("debug", false)
}

// Validate checks invariants that can't be expressed as simple
// defaults (e.g. cross-field constraints).
func (c *Config) Validate() error {
	if c.Database.MinConnections > c.Database.MaxConnections {
		return fmt.Errorf("database.min_connections (%d) exceeds database.max_connections (%d)",
			c.Database.MinConnections, c.Database.MaxConnections)
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must be >= 0")
	}
	if c.Realtime.PubSubBackend != "local" && c.Realtime.PubSubBackend != "redis" {
		return fmt.Errorf("realtime.pubsub_backend must be \"local\" or \"redis\", got %q", c.Realtime.PubSubBackend)
	}
	if c.Realtime.PubSubBackend == "redis" && c.Realtime.RedisURL == "" {
		return fmt.Errorf("realtime.redis_url is required when realtime.pubsub_backend is \"redis\"")
	}
	return nil
}
