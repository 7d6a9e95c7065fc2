package config

import (
	"context"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/turtacn/meshsec/pkg/errors"
	"github.com/turtacn/meshsec/pkg/logger"
)

// Load reads configuration from file (meshsec.yaml in /etc/meshsec or the
// working directory), MESH_-prefixed environment variables, and defaults, in
// ascending precedence of env over file over defaults.
func Load(log logger.Logger) (*Config, error) {
	return LoadWithWatcher(log, nil)
}

// LoadWithWatcher is Load plus an optional hot-reload hook. When onChange is
// non-nil the config file is watched and onChange receives the re-parsed
// configuration after each edit. Reload failures are logged and the previous
// configuration stays in effect.
func LoadWithWatcher(log logger.Logger, onChange func(*Config)) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("meshsec")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/meshsec/")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, errors.CodeInvalidArgument, "failed to read config file")
		}
	}

	v.SetEnvPrefix("MESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}

	if onChange != nil {
		v.OnConfigChange(func(e fsnotify.Event) {
			reloaded, err := unmarshal(v)
			if err != nil {
				log.Warn(context.Background(), "Config reload rejected",
					logger.String("file", e.Name),
					logger.Err(err),
				)
				return
			}
			log.Info(context.Background(), "Config reloaded",
				logger.String("file", e.Name),
			)
			onChange(reloaded)
		})
		v.WatchConfig()
	}

	return cfg, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidArgument, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("service.id", "")
	v.SetDefault("service.host", "127.0.0.1")
	v.SetDefault("service.port", 7946)

	v.SetDefault("crypto.rsa_key_bits", d.Crypto.RSAKeyBits)
	v.SetDefault("crypto.session_key_bytes", d.Crypto.SessionKeyBytes)
	v.SetDefault("crypto.workers", d.Crypto.Workers)
	v.SetDefault("crypto.peer_key_cache_size", d.Crypto.PeerKeyCacheSize)

	v.SetDefault("key_store.backend", d.KeyStore.Backend)
	v.SetDefault("key_store.vault_mount", "secret")
	v.SetDefault("key_store.vault_path", "meshsec/keys")

	v.SetDefault("token.ttl", d.Token.TTL)

	v.SetDefault("session.ttl", d.Session.TTL)
	v.SetDefault("session.sweep_interval", d.Session.SweepInterval)

	v.SetDefault("rate_limit.backend", d.RateLimit.Backend)
	v.SetDefault("rate_limit.window", d.RateLimit.Window)
	v.SetDefault("rate_limit.max", d.RateLimit.Max)
	v.SetDefault("rate_limit.block_duration", d.RateLimit.BlockDuration)

	v.SetDefault("circuit_breaker.failure_threshold", d.Breaker.FailureThreshold)
	v.SetDefault("circuit_breaker.success_threshold", d.Breaker.SuccessThreshold)
	v.SetDefault("circuit_breaker.timeout", d.Breaker.Timeout)
	v.SetDefault("circuit_breaker.monitoring_window", d.Breaker.MonitoringWindow)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.initial_delay", d.Retry.InitialDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.backoff_multiplier", d.Retry.BackoffMultiplier)
	v.SetDefault("retry.call_timeout", d.Retry.CallTimeout)
	v.SetDefault("retry.retryable_errors", d.Retry.RetryableErrors)

	v.SetDefault("rotation.interval", d.Rotation.Interval)
	v.SetDefault("rotation.auto_rotate", d.Rotation.AutoRotate)

	v.SetDefault("health.check_interval", d.Health.CheckInterval)

	v.SetDefault("audit.buffer_size", d.Audit.BufferSize)
	v.SetDefault("audit.kafka.enabled", false)
	v.SetDefault("audit.kafka.topic", "meshsec-audit")
	v.SetDefault("audit.database.enabled", false)

	v.SetDefault("log.level", d.Log.Level)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sampling_rate", d.Tracing.SamplingRate)
}
