package memory

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xqueue"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, key string
		want         bool
	}{
		{"*", "", true},
		{"*", "anything:at:all", true},
		{"deadletter:*:*", "deadletter:orders:abc", true},
		{"deadletter:orders:*", "deadletter:orders:abc", true},
		{"deadletter:orders:*", "deadletter:invoices:abc", false},
		{"retry:*", "deadletter:orders:abc", false},
		{"a?c", "abc", true},
		{"a?c", "ac", false},
		{"*c", "abcabc", true},
		{"a*b*c", "aXXbYYc", true},
		{"a*b*c", "aXXbYY", false},
		{"exact", "exact", true},
		{"exact", "exactly", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.pattern, tt.key), "%q ~ %q", tt.pattern, tt.key)
	}
}

func TestStore_SetGetDel(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, xqueue.ErrNotFound)

	val := []byte("v1")
	require.NoError(t, s.Set(ctx, "k", val, 0))
	val[0] = 'X'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got), "stored value is copied")

	require.NoError(t, s.Del(ctx, "k", "not-there"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, xqueue.ErrNotFound)
}

func TestStore_TTL(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)

	require.NoError(t, s.Set(ctx, "short", []byte("x"), 20*time.Millisecond))
	require.NoError(t, s.Set(ctx, "long", []byte("x"), time.Hour))
	require.NoError(t, s.Set(ctx, "extended", []byte("x"), 20*time.Millisecond))
	require.NoError(t, s.Expire(ctx, "extended", time.Hour))
	require.NoError(t, s.Expire(ctx, "missing", time.Hour))

	assert.Eventually(t, func() bool {
		_, err := s.Get(ctx, "short")
		return err != nil
	}, time.Second, 5*time.Millisecond)

	keys, err := s.Keys(ctx, "*", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"extended", "long"}, keys)
	assert.Equal(t, 2, s.Len())
}

func TestStore_SetNX(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)

	won, err := s.SetNX(ctx, "claim", []byte("a"), 20*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.SetNX(ctx, "claim", []byte("b"), time.Hour)
	require.NoError(t, err)
	assert.False(t, won)

	time.Sleep(30 * time.Millisecond)
	won, err = s.SetNX(ctx, "claim", []byte("c"), time.Hour)
	require.NoError(t, err)
	assert.True(t, won, "expired keys can be claimed again")

	v, err := s.Get(ctx, "claim")
	require.NoError(t, err)
	assert.Equal(t, "c", string(v))
}

func TestStore_KeysLimitAndOrder(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	for _, k := range []string{"deadletter:b:2", "deadletter:a:1", "retry:a:1:h", "deadletter:a:3"} {
		require.NoError(t, s.Set(ctx, k, []byte("x"), 0))
	}

	keys, err := s.Keys(ctx, "deadletter:*", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"deadletter:a:1", "deadletter:a:3", "deadletter:b:2"}, keys)

	keys, err = s.Keys(ctx, "deadletter:*", 2)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestTransport_PublishSubscribe(t *testing.T) {
	ctx := context.Background()
	tr := NewTransport(Config{BufferSize: 8, Concurrency: 2})
	defer tr.Close(ctx)

	require.NoError(t, tr.Publish(ctx, "orders", []byte("dropped")))
	assert.Equal(t, uint64(1), tr.Stats().Dropped)

	var got atomic.Int32
	require.NoError(t, tr.Subscribe(ctx, "orders", func(_ context.Context, payload []byte) {
		if string(payload) == "hello" {
			got.Add(1)
		}
	}))
	assert.Error(t, tr.Subscribe(ctx, "orders", func(context.Context, []byte) {}), "one subscription per channel")

	for i := 0; i < 5; i++ {
		require.NoError(t, tr.Publish(ctx, "orders", []byte("hello")))
	}
	assert.Eventually(t, func() bool { return got.Load() == 5 }, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.Unsubscribe(ctx, "orders"))
	require.NoError(t, tr.Publish(ctx, "orders", []byte("hello")))
	assert.Equal(t, uint64(2), tr.Stats().Dropped)
	assert.Equal(t, uint64(5), tr.Stats().Published)
}

func TestTransport_Close(t *testing.T) {
	ctx := context.Background()
	tr := NewTransport(Config{})
	require.NoError(t, tr.Subscribe(ctx, "orders", func(context.Context, []byte) {}))

	require.NoError(t, tr.Close(ctx))
	require.NoError(t, tr.Close(ctx))
	assert.Error(t, tr.Publish(ctx, "orders", []byte("x")))
	assert.Error(t, tr.Subscribe(ctx, "orders", func(context.Context, []byte) {}))
	assert.Error(t, tr.Ping(ctx))
}

func TestConfigFromMap(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{"buffer_size": 0, "concurrency": 4.0})
	assert.Equal(t, 1, cfg.BufferSize)
	assert.Equal(t, 4, cfg.Concurrency)

	cfg = ConfigFromMap(nil)
	assert.Equal(t, 1024, cfg.BufferSize)
	assert.Equal(t, 1, cfg.Concurrency)
}

func TestUse(t *testing.T) {
	ctx := context.Background()
	cfg := xqueue.Defaults()
	cfg.StatsInterval = 0
	q := Use(Config{Concurrency: 2}, WithConfig(cfg))
	defer q.Close(ctx)

	require.NoError(t, q.Initialize(ctx))
	done := make(chan struct{})
	_, err := q.Subscribe(ctx, "ping", xqueue.HandlerFunc(func(context.Context, []byte) error {
		close(done)
		return nil
	}))
	require.NoError(t, err)
	_, err = q.Publish(ctx, "ping", "pong")
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not delivered")
	}
}
