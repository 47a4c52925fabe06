package xqueue

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"
)

// Config controls retry, dead-letter and statistics behavior of a Queue.
type Config struct {
	// Retry policy
	MaxRetries        int
	InitialRetryDelay time.Duration
	BackoffFactor     float64
	MaxRetryDelay     time.Duration // 0 = uncapped

	// DurableRetries persists scheduled retries in the store so Initialize can
	// resume them after a restart.
	DurableRetries   bool
	RetryRecordGrace time.Duration
	// RetryLeaseTTL is how long a queue's ownership of its retry records
	// outlives its last heartbeat. Other queues on the same store resume the
	// records only after the lease lapsed.
	RetryLeaseTTL time.Duration

	// Dead letters
	DeadLetterTTL    time.Duration
	DeadLetterNotify bool

	// Statistics snapshots
	StatsInterval time.Duration // 0 disables the snapshot loop
	StatsTTL      time.Duration

	// HandlerConcurrency bounds in-flight invocations per subscription (0 = unbounded).
	HandlerConcurrency int

	// Observer pool
	ObserverWorkers int
	ObserverBuffer  int
}

// Defaults returns a Config with the documented defaults.
func Defaults() Config {
	return Config{
		MaxRetries:        3,
		InitialRetryDelay: time.Second,
		BackoffFactor:     2,
		DurableRetries:    true,
		RetryRecordGrace:  time.Hour,
		RetryLeaseTTL:     30 * time.Second,
		DeadLetterTTL:     24 * time.Hour,
		DeadLetterNotify:  true,
		StatsInterval:     time.Minute,
		StatsTTL:          time.Hour,
		ObserverWorkers:   4,
		ObserverBuffer:    1024,
	}
}

// Validate checks Config for consistency.
func (c Config) Validate() error {
	if c.MaxRetries < 1 {
		return fmt.Errorf("config: max_retries must be >= 1, got %d", c.MaxRetries)
	}
	if c.InitialRetryDelay < 0 {
		return fmt.Errorf("config: initial_retry_delay must be >= 0, got %v", c.InitialRetryDelay)
	}
	if c.BackoffFactor < 1 {
		return fmt.Errorf("config: backoff_factor must be >= 1, got %v", c.BackoffFactor)
	}
	if c.MaxRetryDelay < 0 {
		return fmt.Errorf("config: max_retry_delay must be >= 0, got %v", c.MaxRetryDelay)
	}
	if c.DurableRetries && c.RetryLeaseTTL <= 0 {
		return fmt.Errorf("config: retry_lease_ttl must be > 0 with durable retries, got %v", c.RetryLeaseTTL)
	}
	if c.DeadLetterTTL <= 0 {
		return fmt.Errorf("config: dead_letter_ttl must be > 0, got %v", c.DeadLetterTTL)
	}
	if c.StatsInterval < 0 {
		return fmt.Errorf("config: stats_interval must be >= 0, got %v", c.StatsInterval)
	}
	if c.StatsInterval > 0 && c.StatsTTL <= 0 {
		return fmt.Errorf("config: stats_ttl must be > 0 when stats_interval is set")
	}
	if c.HandlerConcurrency < 0 {
		return fmt.Errorf("config: handler_concurrency must be >= 0, got %d", c.HandlerConcurrency)
	}
	return nil
}

// Backoff returns the wait before the retry that follows the given attempt:
// InitialRetryDelay * BackoffFactor^(attempt-1), capped by MaxRetryDelay.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.InitialRetryDelay) * math.Pow(c.BackoffFactor, float64(attempt-1))
	delay := time.Duration(math.MaxInt64)
	if d < float64(math.MaxInt64) {
		delay = time.Duration(d)
	}
	if c.MaxRetryDelay > 0 && delay > c.MaxRetryDelay {
		delay = c.MaxRetryDelay
	}
	return delay
}

// toMap converts Config to the generic map accepted by ConfigFromMap.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"max_retries":         c.MaxRetries,
		"initial_retry_delay": c.InitialRetryDelay,
		"backoff_factor":      c.BackoffFactor,
		"max_retry_delay":     c.MaxRetryDelay,
		"durable_retries":     c.DurableRetries,
		"retry_record_grace":  c.RetryRecordGrace,
		"retry_lease_ttl":     c.RetryLeaseTTL,
		"dead_letter_ttl":     c.DeadLetterTTL,
		"dead_letter_notify":  c.DeadLetterNotify,
		"stats_interval":      c.StatsInterval,
		"stats_ttl":           c.StatsTTL,
		"handler_concurrency": c.HandlerConcurrency,
		"observer_workers":    c.ObserverWorkers,
		"observer_buffer":     c.ObserverBuffer,
	}
}

// ConfigFromMap safely converts a generic map to Config, starting from Defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	getInt := func(k string, d int) int {
		switch v := m[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
		return d
	}
	getFloat := func(k string, d float64) float64 {
		switch v := m[k].(type) {
		case float64:
			return v
		case int:
			return float64(v)
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f
			}
		}
		return d
	}
	getBool := func(k string, d bool) bool {
		switch v := m[k].(type) {
		case bool:
			return v
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				return b
			}
		}
		return d
	}
	getDur := func(k string, d time.Duration) time.Duration {
		switch v := m[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case int:
			return time.Duration(v) * time.Millisecond
		case float64:
			return time.Duration(v) * time.Millisecond
		}
		return d
	}

	c.MaxRetries = getInt("max_retries", c.MaxRetries)
	c.InitialRetryDelay = getDur("initial_retry_delay", c.InitialRetryDelay)
	c.BackoffFactor = getFloat("backoff_factor", c.BackoffFactor)
	c.MaxRetryDelay = getDur("max_retry_delay", c.MaxRetryDelay)
	c.DurableRetries = getBool("durable_retries", c.DurableRetries)
	c.RetryRecordGrace = getDur("retry_record_grace", c.RetryRecordGrace)
	c.RetryLeaseTTL = getDur("retry_lease_ttl", c.RetryLeaseTTL)
	c.DeadLetterTTL = getDur("dead_letter_ttl", c.DeadLetterTTL)
	c.DeadLetterNotify = getBool("dead_letter_notify", c.DeadLetterNotify)
	c.StatsInterval = getDur("stats_interval", c.StatsInterval)
	c.StatsTTL = getDur("stats_ttl", c.StatsTTL)
	c.HandlerConcurrency = getInt("handler_concurrency", c.HandlerConcurrency)
	c.ObserverWorkers = getInt("observer_workers", c.ObserverWorkers)
	c.ObserverBuffer = getInt("observer_buffer", c.ObserverBuffer)
	return c
}

// envKeys maps XQUEUE_* environment variables onto ConfigFromMap keys.
var envKeys = map[string]string{
	"XQUEUE_MAX_RETRIES":         "max_retries",
	"XQUEUE_INITIAL_RETRY_DELAY": "initial_retry_delay",
	"XQUEUE_BACKOFF_FACTOR":      "backoff_factor",
	"XQUEUE_MAX_RETRY_DELAY":     "max_retry_delay",
	"XQUEUE_DURABLE_RETRIES":     "durable_retries",
	"XQUEUE_RETRY_RECORD_GRACE":  "retry_record_grace",
	"XQUEUE_RETRY_LEASE_TTL":     "retry_lease_ttl",
	"XQUEUE_DEAD_LETTER_TTL":     "dead_letter_ttl",
	"XQUEUE_DEAD_LETTER_NOTIFY":  "dead_letter_notify",
	"XQUEUE_STATS_INTERVAL":      "stats_interval",
	"XQUEUE_STATS_TTL":           "stats_ttl",
	"XQUEUE_HANDLER_CONCURRENCY": "handler_concurrency",
	"XQUEUE_OBSERVER_WORKERS":    "observer_workers",
	"XQUEUE_OBSERVER_BUFFER":     "observer_buffer",
}

// ConfigFromEnv reads XQUEUE_* variables (durations in Go syntax, e.g. "500ms").
// Unset or malformed values keep their defaults.
func ConfigFromEnv() Config {
	m := make(map[string]any, len(envKeys))
	for env, key := range envKeys {
		if v, ok := os.LookupEnv(env); ok {
			m[key] = v
		}
	}
	return ConfigFromMap(m)
}
