package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/trickstertwo/xqueue"
)

const StoreName = "postgres"

func init() {
	if err := xqueue.RegisterStore(StoreName, func(cfg map[string]any) (xqueue.Store, error) {
		s, err := Open(ConfigFromMap(cfg), nil, nil)
		if err != nil {
			return nil, err
		}
		return s, nil
	}); err != nil {
		panic(fmt.Errorf("xqueue: failed to register store %q: %w", StoreName, err))
	}
}

// entry is one key-value row. A nil ExpiresAt never expires.
type entry struct {
	Key       string `gorm:"primaryKey;size:512"`
	Value     []byte
	ExpiresAt *time.Time `gorm:"index"`
}

// Store implements xqueue.Store on a SQL table through gorm. Expiry is
// evaluated against the injected clock on every read.
type Store struct {
	db    *gorm.DB
	table string
	clock xclock.Clock
	owns  bool
	log   *xlog.Logger

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ xqueue.Store = (*Store)(nil)
var _ xqueue.Pinger = (*Store)(nil)

// Open connects to Postgres and migrates the table. A nil clock or logger
// falls back to the defaults.
func Open(cfg Config, clock xclock.Clock, lg *xlog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if lg == nil {
		lg = xlog.Default()
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: newGormLogger(lg)})
	if err != nil {
		return nil, fmt.Errorf("gormstore: open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gormstore: pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s, err := New(db, cfg, clock, lg, true)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing gorm handle. When owns is true Close also closes
// the underlying pool.
func New(db *gorm.DB, cfg Config, clock xclock.Clock, lg *xlog.Logger, owns bool) (*Store, error) {
	if clock == nil {
		clock = xclock.Default()
	}
	if lg == nil {
		lg = xlog.Default()
	}
	if err := db.Table(cfg.Table).AutoMigrate(&entry{}); err != nil {
		return nil, fmt.Errorf("gormstore: migrate %s: %w", cfg.Table, err)
	}
	s := &Store{
		db:    db,
		table: cfg.Table,
		clock: clock,
		owns:  owns,
		log:   lg.With(xlog.Str("store", StoreName), xlog.Str("table", cfg.Table)),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	if cfg.PurgeInterval > 0 {
		go s.purgeLoop(cfg.PurgeInterval)
	} else {
		close(s.done)
	}
	return s, nil
}

func (s *Store) q(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.table)
}

func (s *Store) live() (string, time.Time) {
	return "(expires_at IS NULL OR expires_at > ?)", s.clock.Now()
}

func (s *Store) expiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	at := s.clock.Now().Add(ttl)
	return &at
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	row := entry{Key: key, Value: value, ExpiresAt: s.expiry(ttl)}
	err := s.q(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("gormstore: set %s: %w", key, err)
	}
	return nil
}

// SetNX inserts the row unless a live one exists; an expired row is replaced.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	row := entry{Key: key, Value: value, ExpiresAt: s.expiry(ttl)}
	var inserted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Table(s.table).
			Where("key = ? AND expires_at IS NOT NULL AND expires_at <= ?", key, s.clock.Now()).
			Delete(&entry{}).Error
		if err != nil {
			return err
		}
		res := tx.Table(s.table).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		inserted = res.RowsAffected == 1
		return res.Error
	})
	if err != nil {
		return false, fmt.Errorf("gormstore: setnx %s: %w", key, err)
	}
	return inserted, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var row entry
	cond, now := s.live()
	err := s.q(ctx).Where("key = ?", key).Where(cond, now).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, xqueue.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("gormstore: get %s: %w", key, err)
	}
	return row.Value, nil
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.q(ctx).Where("key IN ?", keys).Delete(&entry{}).Error; err != nil {
		return fmt.Errorf("gormstore: del: %w", err)
	}
	return nil
}

// Expire resets the TTL of a live key; ttl <= 0 removes the expiry. Missing
// keys are ignored.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	var value any = gorm.Expr("NULL")
	if at := s.expiry(ttl); at != nil {
		value = *at
	}
	cond, now := s.live()
	if err := s.q(ctx).Where("key = ?", key).Where(cond, now).Update("expires_at", value).Error; err != nil {
		return fmt.Errorf("gormstore: expire %s: %w", key, err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, pattern string, limit int) ([]string, error) {
	cond, now := s.live()
	tx := s.q(ctx).Where("key LIKE ?", likePattern(pattern)).Where(cond, now).Order("key")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var keys []string
	if err := tx.Pluck("key", &keys).Error; err != nil {
		return nil, fmt.Errorf("gormstore: keys %s: %w", pattern, err)
	}
	return keys, nil
}

// Purge deletes expired rows and returns how many were removed.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	res := s.q(ctx).Where("expires_at IS NOT NULL AND expires_at <= ?", s.clock.Now()).Delete(&entry{})
	if res.Error != nil {
		return 0, fmt.Errorf("gormstore: purge: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) purgeLoop(every time.Duration) {
	defer close(s.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			if _, err := s.Purge(ctx); err != nil {
				s.log.Warn().Err(err).Msg("purge expired rows failed")
			}
			cancel()
		}
	}
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		select {
		case <-s.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if !s.owns {
			return
		}
		sqlDB, dbErr := s.db.DB()
		if dbErr != nil {
			err = errors.Join(err, dbErr)
			return
		}
		err = errors.Join(err, sqlDB.Close())
	})
	return err
}

// likePattern converts the store's glob syntax to a LIKE pattern, escaping
// LIKE metacharacters with the Postgres default escape '\'.
func likePattern(glob string) string {
	var b strings.Builder
	b.Grow(len(glob))
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
