// Package config provides configuration management for dispatcharr-proxy using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort         = 9191
	defaultServerTimeout      = 30 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultMaxOpenConns       = 10
	defaultMaxIdleConns       = 5
	defaultConnMaxIdleTime    = 30 * time.Minute
	defaultRedisAddr          = "localhost:6379"
	defaultRedisPoolSize      = 10
	defaultKeyPrefix          = "dispatcharr:proxy"
	defaultRefreshSchedule    = "@every 30s"
	defaultLeaseTTL           = 30 * time.Second
	defaultReapInterval       = 15 * time.Second
	defaultShutdownDelay      = 5 * time.Second
	defaultInitGracePeriod    = 5 * time.Second
	defaultChunkSize          = 64 * 1024
	defaultBufferChunks       = 512
	defaultBufferBytes        = 32 * 1024 * 1024
	defaultClientWriteTimeout = 10 * time.Second
	defaultRegistryTTL        = 30 * time.Second
	defaultMaxSessions        = 500
	defaultSameRetries        = 3
	defaultRetryDelay         = 500 * time.Millisecond
	defaultBackoffBase        = 5 * time.Second
	defaultBackoffMax         = 5 * time.Minute
	defaultBackoffMultiplier  = 2.0
	defaultFailoverBudget     = 60 * time.Second
	defaultConnectTimeout     = 10 * time.Second
	defaultCheckInterval      = time.Second
	defaultStallTimeout       = 10 * time.Second
	defaultSpeedWindow        = 5 * time.Second
	defaultSustainedLow       = 30 * time.Second
	defaultMinSpeedRatio      = 1.0
	defaultBufferingGrace     = 15 * time.Second
	defaultStopGrace          = 3 * time.Second
	defaultStatsInterval      = 5 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	Catalog    CatalogConfig    `mapstructure:"catalog" yaml:"catalog"`
	Ledger     LedgerConfig     `mapstructure:"ledger" yaml:"ledger"`
	Proxy      ProxyConfig      `mapstructure:"proxy" yaml:"proxy"`
	Failover   FailoverConfig   `mapstructure:"failover" yaml:"failover"`
	Health     HealthConfig     `mapstructure:"health" yaml:"health"`
	Transcoder TranscoderConfig `mapstructure:"transcoder" yaml:"transcoder"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source" yaml:"add_source"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// DatabaseConfig holds the connection settings for the settings database the
// catalog is read from.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"` // silent, error, warn, info
	AutoMigrate     bool          `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

// RedisConfig holds the shared store connection.
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr         string        `mapstructure:"addr" yaml:"addr"`
	Password     string        `mapstructure:"password" yaml:"password"`
	DB           int           `mapstructure:"db" yaml:"db"`
	KeyPrefix    string        `mapstructure:"key_prefix" yaml:"key_prefix"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size" yaml:"pool_size"`
}

// CatalogConfig selects where account, profile and channel records are read from.
type CatalogConfig struct {
	Source              string `mapstructure:"source" yaml:"source"` // database, file
	File                string `mapstructure:"file" yaml:"file"`
	RefreshSchedule     string `mapstructure:"refresh_schedule" yaml:"refresh_schedule"`
	InvalidationChannel string `mapstructure:"invalidation_channel" yaml:"invalidation_channel"`
}

// LedgerConfig holds connection slot ledger configuration.
type LedgerConfig struct {
	Backend          string        `mapstructure:"backend" yaml:"backend"` // memory, redis
	LeaseTTL         time.Duration `mapstructure:"lease_ttl" yaml:"lease_ttl"`
	ReapInterval     time.Duration `mapstructure:"reap_interval" yaml:"reap_interval"`
	StrictInvariants bool          `mapstructure:"strict_invariants" yaml:"strict_invariants"`
}

// ProxyConfig holds channel session and client delivery configuration.
type ProxyConfig struct {
	InstanceID         string        `mapstructure:"instance_id" yaml:"instance_id"`
	ShutdownDelay      time.Duration `mapstructure:"shutdown_delay" yaml:"shutdown_delay"`
	InitGracePeriod    time.Duration `mapstructure:"init_grace_period" yaml:"init_grace_period"`
	ChunkSize          int           `mapstructure:"chunk_size" yaml:"chunk_size"`
	BufferChunks       int           `mapstructure:"buffer_chunks" yaml:"buffer_chunks"`
	BufferBytes        int           `mapstructure:"buffer_bytes" yaml:"buffer_bytes"`
	SlowClientPolicy   string        `mapstructure:"slow_client_policy" yaml:"slow_client_policy"` // disconnect, skip
	ClientWriteTimeout time.Duration `mapstructure:"client_write_timeout" yaml:"client_write_timeout"`
	DefaultUserAgent   string        `mapstructure:"default_user_agent" yaml:"default_user_agent"`
	SessionRedirect    bool          `mapstructure:"session_redirect" yaml:"session_redirect"`
	RegistryTTL        time.Duration `mapstructure:"registry_ttl" yaml:"registry_ttl"`
	MaxSessions        int           `mapstructure:"max_sessions" yaml:"max_sessions"`
}

// FailoverConfig holds retry and backoff tuning. None of these values are
// correctness critical.
type FailoverConfig struct {
	MaxSameCandidateRetries int           `mapstructure:"max_same_candidate_retries" yaml:"max_same_candidate_retries"`
	RetryDelay              time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	BackoffBase             time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax              time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	BackoffMultiplier       float64       `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier"`
	MaxDuration             time.Duration `mapstructure:"max_duration" yaml:"max_duration"`
	ConnectTimeout          time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// HealthConfig holds upstream liveness thresholds.
type HealthConfig struct {
	CheckInterval      time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
	StallTimeout       time.Duration `mapstructure:"stall_timeout" yaml:"stall_timeout"`
	MinBytesPerSecond  float64       `mapstructure:"min_bytes_per_second" yaml:"min_bytes_per_second"`
	SpeedWindow        time.Duration `mapstructure:"speed_window" yaml:"speed_window"`
	SustainedLowWindow time.Duration `mapstructure:"sustained_low_window" yaml:"sustained_low_window"`
	MinSpeedRatio      float64       `mapstructure:"min_speed_ratio" yaml:"min_speed_ratio"`
	BufferingGrace     time.Duration `mapstructure:"buffering_grace" yaml:"buffering_grace"`
}

// TranscoderConfig holds external transcoder process configuration.
type TranscoderConfig struct {
	Binary        string        `mapstructure:"binary" yaml:"binary"`
	StopGrace     time.Duration `mapstructure:"stop_grace" yaml:"stop_grace"`
	StatsInterval time.Duration `mapstructure:"stats_interval" yaml:"stats_interval"`
}

// MetricsConfig holds prometheus exposition configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with DISPATCHARR_ and use underscores for nesting.
// Example: DISPATCHARR_SERVER_PORT=9191.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/dispatcharr-proxy")
	}

	v.SetEnvPrefix("DISPATCHARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper unmarshals and validates configuration from an already
// populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "dispatcharr.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", defaultRedisAddr)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", defaultKeyPrefix)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.pool_size", defaultRedisPoolSize)

	v.SetDefault("catalog.source", "database")
	v.SetDefault("catalog.file", "")
	v.SetDefault("catalog.refresh_schedule", defaultRefreshSchedule)
	v.SetDefault("catalog.invalidation_channel", defaultKeyPrefix+":catalog:invalidate")

	v.SetDefault("ledger.backend", "memory")
	v.SetDefault("ledger.lease_ttl", defaultLeaseTTL)
	v.SetDefault("ledger.reap_interval", defaultReapInterval)
	v.SetDefault("ledger.strict_invariants", false)

	v.SetDefault("proxy.instance_id", "")
	v.SetDefault("proxy.shutdown_delay", defaultShutdownDelay)
	v.SetDefault("proxy.init_grace_period", defaultInitGracePeriod)
	v.SetDefault("proxy.chunk_size", defaultChunkSize)
	v.SetDefault("proxy.buffer_chunks", defaultBufferChunks)
	v.SetDefault("proxy.buffer_bytes", defaultBufferBytes)
	v.SetDefault("proxy.slow_client_policy", "disconnect")
	v.SetDefault("proxy.client_write_timeout", defaultClientWriteTimeout)
	v.SetDefault("proxy.default_user_agent", "")
	v.SetDefault("proxy.session_redirect", false)
	v.SetDefault("proxy.registry_ttl", defaultRegistryTTL)
	v.SetDefault("proxy.max_sessions", defaultMaxSessions)

	v.SetDefault("failover.max_same_candidate_retries", defaultSameRetries)
	v.SetDefault("failover.retry_delay", defaultRetryDelay)
	v.SetDefault("failover.backoff_base", defaultBackoffBase)
	v.SetDefault("failover.backoff_max", defaultBackoffMax)
	v.SetDefault("failover.backoff_multiplier", defaultBackoffMultiplier)
	v.SetDefault("failover.max_duration", defaultFailoverBudget)
	v.SetDefault("failover.connect_timeout", defaultConnectTimeout)

	v.SetDefault("health.check_interval", defaultCheckInterval)
	v.SetDefault("health.stall_timeout", defaultStallTimeout)
	v.SetDefault("health.min_bytes_per_second", 0)
	v.SetDefault("health.speed_window", defaultSpeedWindow)
	v.SetDefault("health.sustained_low_window", defaultSustainedLow)
	v.SetDefault("health.min_speed_ratio", defaultMinSpeedRatio)
	v.SetDefault("health.buffering_grace", defaultBufferingGrace)

	v.SetDefault("transcoder.binary", "ffmpeg")
	v.SetDefault("transcoder.stop_grace", defaultStopGrace)
	v.SetDefault("transcoder.stats_interval", defaultStatsInterval)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	switch c.Catalog.Source {
	case "database":
		validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
		if !validDrivers[c.Database.Driver] {
			return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
		}
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required")
		}
	case "file":
		if c.Catalog.File == "" {
			return fmt.Errorf("catalog.file is required when catalog.source is file")
		}
	default:
		return fmt.Errorf("catalog.source must be one of: database, file")
	}

	switch c.Ledger.Backend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("ledger.backend redis requires redis.enabled")
		}
	default:
		return fmt.Errorf("ledger.backend must be one of: memory, redis")
	}
	if c.Ledger.LeaseTTL <= 0 {
		return fmt.Errorf("ledger.lease_ttl must be positive")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	if c.Proxy.ShutdownDelay < 0 || c.Proxy.InitGracePeriod < 0 {
		return fmt.Errorf("proxy.shutdown_delay and proxy.init_grace_period must not be negative")
	}
	if c.Proxy.BufferChunks < 1 {
		return fmt.Errorf("proxy.buffer_chunks must be at least 1")
	}
	if c.Proxy.ChunkSize < 1024 {
		return fmt.Errorf("proxy.chunk_size must be at least 1024")
	}
	validPolicies := map[string]bool{"disconnect": true, "skip": true}
	if !validPolicies[c.Proxy.SlowClientPolicy] {
		return fmt.Errorf("proxy.slow_client_policy must be one of: disconnect, skip")
	}

	if c.Failover.MaxSameCandidateRetries < 0 {
		return fmt.Errorf("failover.max_same_candidate_retries must not be negative")
	}
	if c.Failover.BackoffBase <= 0 || c.Failover.BackoffMax < c.Failover.BackoffBase {
		return fmt.Errorf("failover.backoff_base must be positive and not exceed failover.backoff_max")
	}
	if c.Failover.BackoffMultiplier < 1 {
		return fmt.Errorf("failover.backoff_multiplier must be at least 1")
	}

	if c.Health.StallTimeout <= 0 || c.Health.CheckInterval <= 0 {
		return fmt.Errorf("health.stall_timeout and health.check_interval must be positive")
	}
	if c.Health.MinBytesPerSecond < 0 || c.Health.MinSpeedRatio < 0 {
		return fmt.Errorf("health thresholds must not be negative")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RedisRequired reports whether any component is configured to use the shared store.
func (c *Config) RedisRequired() bool {
	return c.Redis.Enabled || c.Ledger.Backend == "redis"
}
