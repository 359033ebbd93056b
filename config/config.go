// Package config loads the process-level settings of the connection layer
// from a file and DELTACONN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DELTACONN_LOG_LEVEL.
const EnvPrefix = "DELTACONN"

// Config is the root configuration.
type Config struct {
	Transport  TransportConfig  `mapstructure:"transport"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Log        LogConfig        `mapstructure:"log"`
	EpochStore EpochStoreConfig `mapstructure:"epochstore"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Retry      RetryConfig      `mapstructure:"retry"`
}

// TransportConfig selects and tunes the socket implementation.
type TransportConfig struct {
	Kind               string        `mapstructure:"kind"` // "websocket" or "tcp"
	HandshakeTimeout   time.Duration `mapstructure:"handshakeTimeout"`
	ConnectTimeout     time.Duration `mapstructure:"connectTimeout"`
	WriteTimeout       time.Duration `mapstructure:"writeTimeout"`
	PingInterval       time.Duration `mapstructure:"pingInterval"`
	MaxMessageSize     int64         `mapstructure:"maxMessageSize"`
	MultiplexEndpoints []string      `mapstructure:"multiplexEndpoints"`
}

// RegistryConfig tunes the shared socket registry.
type RegistryConfig struct {
	TeardownDelay time.Duration `mapstructure:"teardownDelay"`
}

// LogConfig configures the zerolog logger.
type LogConfig struct {
	Level     string `mapstructure:"level"`
	Component string `mapstructure:"component"`
}

// EpochStoreConfig selects where document epochs are recorded.
type EpochStoreConfig struct {
	Kind            string        `mapstructure:"kind"` // "memory" or "redis"
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanupInterval"`
	Prefix          string        `mapstructure:"prefix"`
}

// RedisConfig is used when EpochStore.Kind is "redis".
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MetricsConfig toggles the Prometheus telemetry sink.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// RetryConfig bounds the caller-side reconnect loop.
type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initialInterval"`
	MaxInterval     time.Duration `mapstructure:"maxInterval"`
	MaxElapsedTime  time.Duration `mapstructure:"maxElapsedTime"`
	MaxAttempts     uint64        `mapstructure:"maxAttempts"`
}

// Load reads configuration from path (yaml, json or toml, chosen by
// extension) and the environment. An empty path loads defaults and
// environment overrides only.
//
// Parameters:
//   - path: Config file path, may be empty
//
// Returns:
//   - The validated configuration
//   - An error if the file cannot be read or the result is invalid
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config file error: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in defaults, ignoring the environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// IsMultiplexed reports whether endpoint is configured to share one socket
// across documents.
func (c *Config) IsMultiplexed(endpoint string) bool {
	for _, e := range c.Transport.MultiplexEndpoints {
		if strings.TrimSpace(e) == endpoint {
			return true
		}
	}

	return false
}

// Validate checks the configuration for values the connection layer cannot
// run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Transport.Kind) {
	case "websocket", "tcp":
	default:
		return fmt.Errorf("invalid transport kind: %s. Must be 'websocket' or 'tcp'", c.Transport.Kind)
	}

	if c.Transport.HandshakeTimeout <= 0 {
		return errors.New("transport.handshakeTimeout must be positive")
	}
	if c.Transport.ConnectTimeout <= 0 {
		return errors.New("transport.connectTimeout must be positive")
	}
	if c.Registry.TeardownDelay < 0 {
		return errors.New("registry.teardownDelay must not be negative")
	}

	switch strings.ToLower(c.EpochStore.Kind) {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("redis address must be specified for the redis epoch store")
		}
	default:
		return fmt.Errorf("invalid epoch store kind: %s. Must be 'memory' or 'redis'", c.EpochStore.Kind)
	}

	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		return errors.New("metrics.namespace must be set when metrics are enabled")
	}

	if c.Retry.InitialInterval <= 0 || c.Retry.MaxInterval < c.Retry.InitialInterval {
		return errors.New("retry intervals must be positive and maxInterval >= initialInterval")
	}

	return nil
}
