package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xqueue"
)

// Store implements xqueue.Store with a map guarded by a mutex. Expired keys
// are evicted lazily on access.
type Store struct {
	clock xclock.Clock

	mu    sync.Mutex
	items map[string]item
}

type item struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

var _ xqueue.Store = (*Store)(nil)
var _ xqueue.Pinger = (*Store)(nil)

// NewStore creates an empty store; a nil clock uses xclock.Default().
func NewStore(clock xclock.Clock) *Store {
	if clock == nil {
		clock = xclock.Default()
	}
	return &Store{clock: clock, items: make(map[string]item)}
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	it := item{value: append([]byte(nil), value...)}
	if ttl > 0 {
		it.expiresAt = s.clock.Now().Add(ttl)
	}
	s.mu.Lock()
	s.items[key] = it
	s.mu.Unlock()
	return nil
}

func (s *Store) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	it := item{value: append([]byte(nil), value...)}
	if ttl > 0 {
		it.expiresAt = s.clock.Now().Add(ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.items[key] = it
	return true, nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.live(key)
	if !ok {
		return nil, xqueue.ErrNotFound
	}
	return append([]byte(nil), it.value...), nil
}

func (s *Store) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	for _, k := range keys {
		delete(s.items, k)
	}
	s.mu.Unlock()
	return nil
}

// Expire resets the TTL of an existing key; missing keys are ignored.
func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.live(key)
	if !ok {
		return nil
	}
	if ttl > 0 {
		it.expiresAt = s.clock.Now().Add(ttl)
	} else {
		it.expiresAt = time.Time{}
	}
	s.items[key] = it
	return nil
}

// Keys returns matching keys in lexical order.
func (s *Store) Keys(_ context.Context, pattern string, limit int) ([]string, error) {
	s.mu.Lock()
	out := make([]string, 0)
	for k := range s.items {
		if _, ok := s.live(k); ok && Match(pattern, k) {
			out = append(out, k)
		}
	}
	s.mu.Unlock()

	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) Close(_ context.Context) error { return nil }

// Len returns the number of live keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.items {
		if _, ok := s.live(k); ok {
			n++
		}
	}
	return n
}

// live returns the item if present and not expired. Callers hold mu.
func (s *Store) live(key string) (item, bool) {
	it, ok := s.items[key]
	if !ok {
		return it, false
	}
	if !it.expiresAt.IsZero() && !s.clock.Now().Before(it.expiresAt) {
		delete(s.items, key)
		return it, false
	}
	return it, true
}

// Match reports whether key matches a Redis-style glob where '*' matches any
// run of bytes (including none) and '?' matches exactly one byte.
func Match(pattern, key string) bool {
	p, k := 0, 0
	star, mark := -1, 0
	for k < len(key) {
		switch {
		case p < len(pattern) && pattern[p] == '*':
			star = p
			mark = k
			p++
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == key[k]):
			p++
			k++
		case star >= 0:
			p = star + 1
			mark++
			k = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
