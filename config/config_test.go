package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azargarov/fairq/config"
)

// chdir moves into dir for the duration of the test, so Load does not
// pick up a stray .env file.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Concurrency)
	assert.Equal(t, 2, cfg.PerTenantLimit)
	assert.Equal(t, 20000, cfg.MaxQueueLength)
	assert.Equal(t, 30*time.Second, cfg.DrainTimeout)
	assert.Equal(t, 10*time.Minute, cfg.IdempotencyTTL)
	assert.Equal(t, 30*time.Second, cfg.SlowJobThreshold)
	assert.Zero(t, cfg.TenantRateLimit)
	assert.Equal(t, 1, cfg.TenantRateBurst)
	assert.Equal(t, 1000, cfg.AlertQueueDepth)
	assert.Equal(t, 5, cfg.AlertFailureStreak)
}

func TestLoad_FromEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("FAIRQ_CONCURRENCY", "4")
	t.Setenv("FAIRQ_PER_TENANT_LIMIT", "1")
	t.Setenv("FAIRQ_DRAIN_TIMEOUT", "5s")
	t.Setenv("FAIRQ_TENANT_RATE_LIMIT", "2.5")
	t.Setenv("FAIRQ_TENANT_RATE_BURST", "10")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 1, cfg.PerTenantLimit)
	assert.Equal(t, 5*time.Second, cfg.DrainTimeout)

	opts := cfg.Options()
	assert.Equal(t, 4, opts.Concurrency)
	assert.Equal(t, 1, opts.PerTenantLimit)
	assert.Equal(t, 20000, opts.MaxQueueLength)
	assert.InDelta(t, 2.5, opts.TenantRateLimit, 1e-9)
	assert.Equal(t, 10, opts.TenantRateBurst)
}

func TestLoad_FromEnvFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	content := []byte("FAIRQ_MAX_QUEUE_LENGTH=50\nFAIRQ_IDEMPOTENCY_TTL=1m\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), content, 0o644))
	t.Cleanup(func() {
		os.Unsetenv("FAIRQ_MAX_QUEUE_LENGTH")
		os.Unsetenv("FAIRQ_IDEMPOTENCY_TTL")
	})

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.MaxQueueLength)
	assert.Equal(t, time.Minute, cfg.IdempotencyTTL)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"zero concurrency", "FAIRQ_CONCURRENCY", "0"},
		{"negative tenant limit", "FAIRQ_PER_TENANT_LIMIT", "-1"},
		{"zero queue", "FAIRQ_MAX_QUEUE_LENGTH", "0"},
		{"zero drain timeout", "FAIRQ_DRAIN_TIMEOUT", "0s"},
		{"negative rate", "FAIRQ_TENANT_RATE_LIMIT", "-1"},
		{"negative alert depth", "FAIRQ_ALERT_QUEUE_DEPTH", "-5"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chdir(t, t.TempDir())
			t.Setenv(tc.key, tc.value)

			_, err := config.Load()
			assert.ErrorIs(t, err, config.ErrInvalid)
		})
	}
}

func TestLoad_Unparsable(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("FAIRQ_CONCURRENCY", "lots")

	_, err := config.Load()
	require.Error(t, err)
	assert.NotErrorIs(t, err, config.ErrInvalid)
}

func TestValidate_BurstRequiredWithRate(t *testing.T) {
	cfg := config.Config{
		Concurrency:     1,
		PerTenantLimit:  1,
		MaxQueueLength:  1,
		DrainTimeout:    time.Second,
		IdempotencyTTL:  time.Second,
		TenantRateLimit: 1,
	}
	assert.ErrorIs(t, cfg.Validate(), config.ErrInvalid)

	cfg.TenantRateBurst = 1
	assert.NoError(t, cfg.Validate())
}
