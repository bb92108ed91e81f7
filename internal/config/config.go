// Package config loads process configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the ordex process.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Lock     LockConfig     `mapstructure:"lock"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Matching MatchingConfig `mapstructure:"matching"`
	LogLevel string         `mapstructure:"log_level"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	Mode string `mapstructure:"mode"` // gin mode: debug, release, test
}

// DatabaseConfig configures the order/trade/risk-limit stores.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig configures the quota ledger and lock manager backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig configures the event bus. When Enabled is false the process
// runs on the in-memory bus (single-node mode).
type KafkaConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Brokers         []string      `mapstructure:"brokers"`
	GroupPrefix     string        `mapstructure:"group_prefix"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	PublishRetryMax int           `mapstructure:"publish_retry_max"`
	RetryBackoffMin time.Duration `mapstructure:"retry_backoff_min"`
	RetryBackoffMax time.Duration `mapstructure:"retry_backoff_max"`
}

// LockConfig bounds the per-order admission lease.
type LockConfig struct {
	WaitTimeout  time.Duration `mapstructure:"wait_timeout"`
	LeaseTimeout time.Duration `mapstructure:"lease_timeout"`
}

// RiskConfig carries the implicit account-level limits and quota window.
type RiskConfig struct {
	DefaultNotionalLimit   float64       `mapstructure:"default_notional_limit"`
	DefaultPositionLimit   float64       `mapstructure:"default_position_limit"`
	DefaultOrderCountLimit int           `mapstructure:"default_order_count_limit"`
	QuotaTTL               time.Duration `mapstructure:"quota_ttl"`
	MarketPlaceholderPrice float64       `mapstructure:"market_placeholder_price"`
	CheckTimeout           time.Duration `mapstructure:"check_timeout"`
}

// MatchingConfig tunes the simulated execution engine.
type MatchingConfig struct {
	ExecutionProbability float64 `mapstructure:"execution_probability"`
	Workers              int     `mapstructure:"workers"`
	ConsumerGroup        string  `mapstructure:"consumer_group"`
}

// Load reads configuration from the optional file at path (yaml), then
// overlays ORDEX_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.dsn", "file::memory:?cache=shared")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_prefix", "ordex")
	v.SetDefault("kafka.write_timeout", 5*time.Second)
	v.SetDefault("kafka.publish_retry_max", 3)
	v.SetDefault("kafka.retry_backoff_min", 100*time.Millisecond)
	v.SetDefault("kafka.retry_backoff_max", 1*time.Second)
	v.SetDefault("lock.wait_timeout", 5*time.Second)
	v.SetDefault("lock.lease_timeout", 10*time.Second)
	v.SetDefault("risk.default_notional_limit", 1_000_000)
	v.SetDefault("risk.default_position_limit", 10_000)
	v.SetDefault("risk.default_order_count_limit", 100)
	v.SetDefault("risk.quota_ttl", time.Hour)
	v.SetDefault("risk.market_placeholder_price", 100)
	v.SetDefault("risk.check_timeout", 3*time.Second)
	v.SetDefault("matching.execution_probability", 0.8)
	v.SetDefault("matching.workers", 4)
	v.SetDefault("matching.consumer_group", "trade-engine")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("ORDEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Matching.ExecutionProbability < 0 || c.Matching.ExecutionProbability > 1 {
		return fmt.Errorf("matching.execution_probability must be in [0,1], got %v", c.Matching.ExecutionProbability)
	}
	if c.Lock.LeaseTimeout <= 0 || c.Lock.WaitTimeout <= 0 {
		return fmt.Errorf("lock timeouts must be positive")
	}
	if c.Matching.Workers <= 0 {
		return fmt.Errorf("matching.workers must be positive")
	}
	return nil
}
