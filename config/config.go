// Package config loads fairqd settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/azargarov/fairq"
)

const Prefix = "FAIRQ"

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Concurrency    int `envconfig:"CONCURRENCY" default:"10"`
	PerTenantLimit int `envconfig:"PER_TENANT_LIMIT" default:"2"`
	MaxQueueLength int `envconfig:"MAX_QUEUE_LENGTH" default:"20000"`

	DrainTimeout     time.Duration `envconfig:"DRAIN_TIMEOUT" default:"30s"`
	IdempotencyTTL   time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"10m"`
	SlowJobThreshold time.Duration `envconfig:"SLOW_JOB_THRESHOLD" default:"30s"`

	// Admission rate limiting, per tenant. Zero disables it.
	TenantRateLimit float64 `envconfig:"TENANT_RATE_LIMIT" default:"0"`
	TenantRateBurst int     `envconfig:"TENANT_RATE_BURST" default:"1"`

	// Alerting
	AlertQueueDepth    int `envconfig:"ALERT_QUEUE_DEPTH" default:"1000"`
	AlertFailureStreak int `envconfig:"ALERT_FAILURE_STREAK" default:"5"`
}

// Load reads an optional .env file from the working directory, then the
// FAIRQ_* environment variables, and validates the result.
func Load() (*Config, error) {
	// A missing .env is fine; variables may come from the shell.
	_ = godotenv.Load(".env")

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Concurrency <= 0 {
		return fmt.Errorf("%w: %s_CONCURRENCY must be positive", ErrInvalid, Prefix)
	}
	if c.PerTenantLimit <= 0 {
		return fmt.Errorf("%w: %s_PER_TENANT_LIMIT must be positive", ErrInvalid, Prefix)
	}
	if c.MaxQueueLength <= 0 {
		return fmt.Errorf("%w: %s_MAX_QUEUE_LENGTH must be positive", ErrInvalid, Prefix)
	}
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("%w: %s_DRAIN_TIMEOUT must be positive", ErrInvalid, Prefix)
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("%w: %s_IDEMPOTENCY_TTL must be positive", ErrInvalid, Prefix)
	}
	if c.TenantRateLimit < 0 {
		return fmt.Errorf("%w: %s_TENANT_RATE_LIMIT must not be negative", ErrInvalid, Prefix)
	}
	if c.TenantRateLimit > 0 && c.TenantRateBurst <= 0 {
		return fmt.Errorf("%w: %s_TENANT_RATE_BURST must be positive when a rate is set", ErrInvalid, Prefix)
	}
	if c.AlertQueueDepth < 0 || c.AlertFailureStreak < 0 {
		return fmt.Errorf("%w: alert thresholds must not be negative", ErrInvalid)
	}
	return nil
}

// Options maps the configuration onto dispatcher options. The returned
// value still goes through fairq.Options.FillDefaults in fairq.New.
func (c *Config) Options() fairq.Options {
	return fairq.Options{
		Concurrency:      c.Concurrency,
		PerTenantLimit:   c.PerTenantLimit,
		MaxQueueLength:   c.MaxQueueLength,
		IdempotencyTTL:   c.IdempotencyTTL,
		SlowJobThreshold: c.SlowJobThreshold,
		TenantRateLimit:  c.TenantRateLimit,
		TenantRateBurst:  c.TenantRateBurst,
	}
}
