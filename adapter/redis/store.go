package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xqueue"
)

// Store implements xqueue.Store on plain Redis keys with native TTLs.
type Store struct {
	client    *goredis.Client
	scanCount int64
	owns      bool
}

var _ xqueue.Store = (*Store)(nil)
var _ xqueue.Pinger = (*Store)(nil)

// NewStore wraps client. With owns set, Close also closes the client.
func NewStore(client *goredis.Client, cfg Config, owns bool) *Store {
	if cfg.ScanCount < 1 {
		cfg.ScanCount = Defaults().ScanCount
	}
	return &Store{client: client, scanCount: cfg.ScanCount, owns: owns}
}

// Set writes value; ttl <= 0 keeps the key until deleted.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, xqueue.ErrNotFound
	}
	return b, err
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return s.client.Persist(ctx, key).Err()
	}
	return s.client.Expire(ctx, key, ttl).Err()
}

// Keys walks SCAN MATCH until the cursor wraps or limit keys were found.
// SCAN may return a key twice; duplicates are dropped.
func (s *Store) Keys(ctx context.Context, pattern string, limit int) ([]string, error) {
	var (
		out    []string
		seen   = make(map[string]struct{})
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, s.scanCount).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close(_ context.Context) error {
	if !s.owns {
		return nil
	}
	return s.client.Close()
}
