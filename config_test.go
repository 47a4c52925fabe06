package xqueue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xqueue"
)

func TestDefaults(t *testing.T) {
	cfg := xqueue.Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.InitialRetryDelay)
	assert.Equal(t, 2.0, cfg.BackoffFactor)
	assert.Equal(t, 24*time.Hour, cfg.DeadLetterTTL)
	assert.Equal(t, time.Minute, cfg.StatsInterval)
	assert.Equal(t, time.Hour, cfg.StatsTTL)
	assert.True(t, cfg.DurableRetries)
	assert.Equal(t, 30*time.Second, cfg.RetryLeaseTTL)
}

// TestConfig_Backoff checks the exponential schedule and its cap.
func TestConfig_Backoff(t *testing.T) {
	cfg := xqueue.Defaults()
	assert.Equal(t, time.Second, cfg.Backoff(1))
	assert.Equal(t, 2*time.Second, cfg.Backoff(2))
	assert.Equal(t, 4*time.Second, cfg.Backoff(3))
	assert.Equal(t, time.Second, cfg.Backoff(0), "attempts below one use the initial delay")

	prev := time.Duration(0)
	for attempt := 1; attempt <= 64; attempt++ {
		d := cfg.Backoff(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		prev = d
	}

	cfg.MaxRetryDelay = 3 * time.Second
	assert.Equal(t, 3*time.Second, cfg.Backoff(3))
	assert.Equal(t, 3*time.Second, cfg.Backoff(10))

	cfg.BackoffFactor = 1
	cfg.MaxRetryDelay = 0
	assert.Equal(t, time.Second, cfg.Backoff(5), "factor one is a constant delay")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*xqueue.Config)
	}{
		{"zero retries", func(c *xqueue.Config) { c.MaxRetries = 0 }},
		{"negative delay", func(c *xqueue.Config) { c.InitialRetryDelay = -time.Second }},
		{"shrinking backoff", func(c *xqueue.Config) { c.BackoffFactor = 0.5 }},
		{"negative cap", func(c *xqueue.Config) { c.MaxRetryDelay = -1 }},
		{"no dead letter ttl", func(c *xqueue.Config) { c.DeadLetterTTL = 0 }},
		{"negative stats interval", func(c *xqueue.Config) { c.StatsInterval = -1 }},
		{"stats without ttl", func(c *xqueue.Config) { c.StatsTTL = 0 }},
		{"negative concurrency", func(c *xqueue.Config) { c.HandlerConcurrency = -2 }},
		{"durable retries without lease", func(c *xqueue.Config) { c.RetryLeaseTTL = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := xqueue.Defaults()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigFromMap(t *testing.T) {
	cfg := xqueue.ConfigFromMap(map[string]any{
		"max_retries":         5,
		"initial_retry_delay": "250ms",
		"backoff_factor":      1.5,
		"max_retry_delay":     2000, // ms
		"durable_retries":     false,
		"dead_letter_ttl":     "48h",
		"dead_letter_notify":  "false",
		"stats_interval":      0,
		"handler_concurrency": "4",
		"retry_lease_ttl":     "10s",
		"unknown":             "ignored",
	})

	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.InitialRetryDelay)
	assert.Equal(t, 1.5, cfg.BackoffFactor)
	assert.Equal(t, 2*time.Second, cfg.MaxRetryDelay)
	assert.False(t, cfg.DurableRetries)
	assert.Equal(t, 48*time.Hour, cfg.DeadLetterTTL)
	assert.False(t, cfg.DeadLetterNotify)
	assert.Zero(t, cfg.StatsInterval)
	assert.Equal(t, 4, cfg.HandlerConcurrency)
	assert.Equal(t, 10*time.Second, cfg.RetryLeaseTTL)
	assert.Equal(t, time.Hour, cfg.StatsTTL, "unset keys keep defaults")
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("XQUEUE_MAX_RETRIES", "7")
	t.Setenv("XQUEUE_INITIAL_RETRY_DELAY", "500ms")
	t.Setenv("XQUEUE_BACKOFF_FACTOR", "3")
	t.Setenv("XQUEUE_DEAD_LETTER_TTL", "not-a-duration")

	cfg := xqueue.ConfigFromEnv()
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.InitialRetryDelay)
	assert.Equal(t, 3.0, cfg.BackoffFactor)
	assert.Equal(t, 24*time.Hour, cfg.DeadLetterTTL)
}
