package gormstore

import (
	"fmt"
	"strconv"
	"time"
)

// Config for the SQL-backed key-value store.
type Config struct {
	DSN             string
	Table           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// PurgeInterval > 0 deletes expired rows periodically. Expired rows are
	// invisible to reads either way.
	PurgeInterval time.Duration
}

func Defaults() Config {
	return Config{
		DSN:             "host=localhost user=postgres password=postgres dbname=xqueue port=5432 sslmode=disable",
		Table:           "xqueue_kv",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		PurgeInterval:   time.Minute,
	}
}

func (c Config) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("config: dsn required")
	}
	if c.Table == "" {
		return fmt.Errorf("config: table required")
	}
	if c.MaxOpenConns < 0 || c.MaxIdleConns < 0 {
		return fmt.Errorf("config: connection limits must be >= 0")
	}
	if c.PurgeInterval < 0 {
		return fmt.Errorf("config: purge_interval must be >= 0, got %s", c.PurgeInterval)
	}
	return nil
}

func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	getInt := func(k string) (int, bool) {
		switch v := m[k].(type) {
		case int:
			return v, true
		case float64:
			return int(v), true
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n, true
			}
		}
		return 0, false
	}
	getDur := func(k string) (time.Duration, bool) {
		switch v := m[k].(type) {
		case time.Duration:
			return v, true
		case string:
			if d, err := time.ParseDuration(v); err == nil {
				return d, true
			}
		}
		return 0, false
	}

	if v, ok := m["dsn"].(string); ok && v != "" {
		c.DSN = v
	}
	if v, ok := m["table"].(string); ok && v != "" {
		c.Table = v
	}
	if v, ok := getInt("max_open_conns"); ok && v >= 0 {
		c.MaxOpenConns = v
	}
	if v, ok := getInt("max_idle_conns"); ok && v >= 0 {
		c.MaxIdleConns = v
	}
	if v, ok := getDur("conn_max_lifetime"); ok && v >= 0 {
		c.ConnMaxLifetime = v
	}
	if v, ok := getDur("purge_interval"); ok && v >= 0 {
		c.PurgeInterval = v
	}
	return c
}
