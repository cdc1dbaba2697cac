// Package config loads and validates application configuration from
// environment variables and optional config files.
package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Worker   WorkerConfig   `mapstructure:"worker"   validate:"required"`
	Webhook  WebhookConfig  `mapstructure:"webhook"  validate:"required"`
}

// ServerConfig contains all HTTP server related settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// WorkerConfig tunes the task worker's poll/claim/execute loop.
// All limits are per process; cluster-wide fairness is out of scope.
type WorkerConfig struct {
	// PollInterval is the sleep between claim cycles.
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"required,gt=0"`

	// MaxConcurrent bounds simultaneous handler executions in one worker.
	MaxConcurrent int `mapstructure:"max_concurrent" validate:"required,gt=0"`

	// LockTimeout is how long a claim may hold a task before the orphan
	// sweep treats the claimant as dead and resets the task.
	LockTimeout time.Duration `mapstructure:"lock_timeout" validate:"required,gt=0"`

	// SweepInterval is how often the orphan sweep runs after startup.
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"required,gt=0"`

	// MaxAttempts is the default execution budget for new tasks.
	MaxAttempts int `mapstructure:"max_attempts" validate:"required,gt=0"`

	// BaseBackoff seeds the exponential retry delay:
	// run_after = now + base * 2^(attempts-1), with jitter.
	BaseBackoff time.Duration `mapstructure:"base_backoff" validate:"required,gt=0"`

	// ShutdownGrace bounds how long shutdown waits for in-flight handlers.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" validate:"required,gt=0"`
}

// WebhookConfig contains webhook ingress settings: shared secrets,
// replay-protection window, and per-source rate limits.
type WebhookConfig struct {
	// HubSpotSecret signs HubSpot deliveries (HMAC-SHA256 over the raw
	// body). Requests without a valid signature are rejected.
	HubSpotSecret string `mapstructure:"hubspot_secret" validate:"required,min=16"`

	// DedupTTL is the retention window for delivery dedup records. It
	// should cover the provider's maximum retry window.
	DedupTTL time.Duration `mapstructure:"dedup_ttl" validate:"required,gt=0"`

	// RatePerSecond and RateBurst bound deliveries per source+remote
	// identity; over-limit requests get 429 so providers back off.
	RatePerSecond float64 `mapstructure:"rate_per_second" validate:"required,gt=0"`
	RateBurst     int     `mapstructure:"rate_burst"      validate:"required,gt=0"`
}
