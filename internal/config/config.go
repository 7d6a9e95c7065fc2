// Package config defines the configuration surface of the mesh core and its
// viper-based loader.
package config

import (
	"time"

	"github.com/turtacn/meshsec/pkg/constants"
	"github.com/turtacn/meshsec/pkg/errors"
)

// Config holds the full mesh configuration.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Crypto    CryptoConfig    `mapstructure:"crypto"`
	KeyStore  KeyStoreConfig  `mapstructure:"key_store"`
	Token     TokenConfig     `mapstructure:"token"`
	Session   SessionConfig   `mapstructure:"session"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Breaker   BreakerConfig   `mapstructure:"circuit_breaker"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Rotation  RotationConfig  `mapstructure:"rotation"`
	Health    HealthConfig    `mapstructure:"health"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServiceConfig identifies the local service in the mesh.
type ServiceConfig struct {
	ID   string `mapstructure:"id"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// CryptoConfig tunes the hybrid cryptography engine.
type CryptoConfig struct {
	RSAKeyBits       int `mapstructure:"rsa_key_bits"`
	SessionKeyBytes  int `mapstructure:"session_key_bytes"`
	Workers          int `mapstructure:"workers"`
	PeerKeyCacheSize int `mapstructure:"peer_key_cache_size"`
}

// KeyStoreConfig selects and configures the key pair store.
type KeyStoreConfig struct {
	// Backend is one of "memory", "file", "vault".
	Backend string `mapstructure:"backend"`
	// Path is the directory for the file backend.
	Path string `mapstructure:"path"`
	// VaultAddress and VaultToken configure the vault backend.
	VaultAddress string `mapstructure:"vault_address"`
	VaultToken   string `mapstructure:"vault_token"`
	VaultMount   string `mapstructure:"vault_mount"`
	VaultPath    string `mapstructure:"vault_path"`
}

// TokenConfig tunes identity token issuance.
type TokenConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// SessionConfig tunes the session ledger.
type SessionConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// RateLimitConfig tunes the fixed-window rate limiter.
type RateLimitConfig struct {
	// Backend is "memory" or "redis".
	Backend       string        `mapstructure:"backend"`
	Window        time.Duration `mapstructure:"window"`
	Max           int           `mapstructure:"max"`
	BlockDuration time.Duration `mapstructure:"block_duration"`
}

// BreakerConfig tunes the per-target circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MonitoringWindow time.Duration `mapstructure:"monitoring_window"`
}

// RetryConfig tunes the retry policy.
type RetryConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	// RetryableErrors lists the error codes the retrier may retry. Empty
	// means the built-in transient classification applies; a non-empty list
	// replaces it, and any error outside the list is surfaced immediately.
	RetryableErrors []string `mapstructure:"retryable_errors"`
}

// RotationConfig tunes the key rotation scheduler.
type RotationConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	AutoRotate bool          `mapstructure:"auto_rotate"`
}

// HealthConfig tunes the health monitor.
type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// AuditConfig selects audit sinks.
type AuditConfig struct {
	// BufferSize bounds the dispatcher queue; events beyond it are dropped
	// rather than blocking mesh operations.
	BufferSize int `mapstructure:"buffer_size"`

	Kafka    KafkaConfig         `mapstructure:"kafka"`
	Database AuditDatabaseConfig `mapstructure:"database"`
}

// KafkaConfig configures the optional Kafka audit sink.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// AuditDatabaseConfig configures the optional database audit sink.
type AuditDatabaseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

// RedisConfig configures the redis-backed rate limiter.
type RedisConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Password  string   `mapstructure:"password"`
	DB        int      `mapstructure:"db"`
}

// LogConfig tunes logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// TracingConfig tunes distributed tracing.
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
}

// Default returns a configuration populated with the package defaults.
func Default() *Config {
	return &Config{
		Crypto: CryptoConfig{
			RSAKeyBits:       constants.DefaultRSAKeyBits,
			SessionKeyBytes:  constants.DefaultSessionKeyBytes,
			Workers:          constants.DefaultCryptoWorkers,
			PeerKeyCacheSize: constants.DefaultPeerKeyCacheSize,
		},
		KeyStore: KeyStoreConfig{Backend: "memory"},
		Token:    TokenConfig{TTL: constants.DefaultTokenTTL},
		Session: SessionConfig{
			TTL:           constants.DefaultSessionTTL,
			SweepInterval: constants.DefaultSessionSweepInterval,
		},
		RateLimit: RateLimitConfig{
			Backend:       "memory",
			Window:        constants.DefaultRateLimitWindow,
			Max:           constants.DefaultRateLimitMax,
			BlockDuration: constants.DefaultRateLimitBlock,
		},
		Breaker: BreakerConfig{
			FailureThreshold: constants.DefaultFailureThreshold,
			SuccessThreshold: constants.DefaultSuccessThreshold,
			Timeout:          constants.DefaultBreakerTimeout,
			MonitoringWindow: constants.DefaultMonitoringWindow,
		},
		Retry: RetryConfig{
			MaxAttempts:       constants.DefaultMaxAttempts,
			InitialDelay:      constants.DefaultInitialDelay,
			MaxDelay:          constants.DefaultMaxDelay,
			BackoffMultiplier: constants.DefaultBackoffMultiplier,
			CallTimeout:       constants.DefaultCallTimeout,
		},
		Rotation: RotationConfig{
			Interval:   constants.DefaultRotationInterval,
			AutoRotate: true,
		},
		Health: HealthConfig{CheckInterval: constants.DefaultHealthCheckInterval},
		Audit:  AuditConfig{BufferSize: 256},
		Log:    LogConfig{Level: "info"},
		Tracing: TracingConfig{
			ServiceName:  "meshsec",
			SamplingRate: 0.1,
		},
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Service.ID == "" {
		return errors.ErrInvalidArgument("service.id is required")
	}
	if c.Crypto.RSAKeyBits < 2048 {
		return errors.ErrInvalidArgument("crypto.rsa_key_bits must be at least 2048")
	}
	if c.Crypto.SessionKeyBytes != 16 && c.Crypto.SessionKeyBytes != 24 && c.Crypto.SessionKeyBytes != 32 {
		return errors.ErrInvalidArgument("crypto.session_key_bytes must be 16, 24 or 32")
	}
	if c.RateLimit.Max <= 0 {
		return errors.ErrInvalidArgument("rate_limit.max must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return errors.ErrInvalidArgument("retry.max_attempts must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.SuccessThreshold <= 0 {
		return errors.ErrInvalidArgument("circuit_breaker thresholds must be positive")
	}
	switch c.KeyStore.Backend {
	case "memory", "file", "vault":
	default:
		return errors.ErrInvalidArgument("key_store.backend must be memory, file or vault")
	}
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		return errors.ErrInvalidArgument("rate_limit.backend must be memory or redis")
	}
	return nil
}
