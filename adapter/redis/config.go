package redis

import (
	"crypto/tls"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config for the Redis Pub/Sub transport and key-value store.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Consumer
	BufferSize  int // per-channel queue between the reader and the workers
	Concurrency int // workers per channel

	// Store
	ScanCount int64 // SCAN COUNT hint for Keys
}

// Defaults returns a Config for a local Redis.
func Defaults() Config {
	return Config{
		Addr:        "127.0.0.1:6379",
		BufferSize:  1024,
		Concurrency: 4,
		ScanCount:   100,
	}
}

// Validate checks Config for consistency.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.BufferSize < 1 {
		return fmt.Errorf("config: buffer_size must be >= 1, got %d", c.BufferSize)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.ScanCount < 1 {
		return fmt.Errorf("config: scan_count must be >= 1, got %d", c.ScanCount)
	}
	return nil
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":            c.Addr,
		"username":        c.Username,
		"password":        c.Password,
		"db":              c.DB,
		"tls":             c.TLS,
		"tls_server_name": c.TLSServerName,
		"buffer_size":     c.BufferSize,
		"concurrency":     c.Concurrency,
		"scan_count":      c.ScanCount,
	}
}

// ConfigFromMap safely converts a generic map to Config with defaults.
// Numbers may be given as strings, as they come from the environment.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	getInt := func(k string) (int, bool) {
		switch v := m[k].(type) {
		case int:
			return v, true
		case int64:
			return int(v), true
		case float64:
			return int(v), true
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n, true
			}
		}
		return 0, false
	}

	if v, ok := m["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := getInt("db"); ok {
		c.DB = v
	}
	switch v := m["tls"].(type) {
	case bool:
		c.TLS = v
	case string:
		c.TLS, _ = strconv.ParseBool(v)
	}
	if v, ok := m["tls_server_name"].(string); ok {
		c.TLSServerName = v
	}
	if v, ok := getInt("buffer_size"); ok && v > 0 {
		c.BufferSize = v
	}
	if v, ok := getInt("concurrency"); ok && v > 0 {
		c.Concurrency = v
	}
	if v, ok := getInt("scan_count"); ok && v > 0 {
		c.ScanCount = int64(v)
	}
	return c
}

// NewClient opens a go-redis client for cfg. It does not dial; use Ping.
func NewClient(cfg Config) *goredis.Client {
	opts := &goredis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}
	return goredis.NewClient(opts)
}
