package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// envPrefix namespaces all environment variables, e.g.
// ADVISOR_WORKER_POLL_INTERVAL=5s or ADVISOR_DATABASE_URL=postgres://...
const envPrefix = "ADVISOR"

// Load reads configuration from environment variables and an optional
// config.yaml in the working directory. Environment variables take
// precedence over file values, which take precedence over defaults.
// Returns a populated Config or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No file is fine; env vars and defaults cover everything.
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not surface env-only keys through Unmarshal
	// unless the keys are known, so bind every default key explicitly.
	for _, key := range v.AllKeys() {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %q: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers the default value for every known key. The
// worker defaults mirror the documented operational baseline: 5s poll,
// 10 concurrent tasks, 5m lock timeout, 3 attempts.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.url", "")

	v.SetDefault("worker.poll_interval", "5s")
	v.SetDefault("worker.max_concurrent", 10)
	v.SetDefault("worker.lock_timeout", "300s")
	v.SetDefault("worker.sweep_interval", "1m")
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.base_backoff", "1m")
	v.SetDefault("worker.shutdown_grace", "30s")

	v.SetDefault("webhook.hubspot_secret", "")
	v.SetDefault("webhook.dedup_ttl", "24h")
	v.SetDefault("webhook.rate_per_second", 2.0)
	v.SetDefault("webhook.rate_burst", 20)
}
