package xqueue_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xqueue"
	"github.com/trickstertwo/xqueue/adapter/memory"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type order struct {
	ID     string  `json:"id"`
	Amount float64 `json:"amount"`
}

// testConfig keeps retries fast and turns the snapshot loop off.
func testConfig() xqueue.Config {
	cfg := xqueue.Defaults()
	cfg.InitialRetryDelay = 5 * time.Millisecond
	cfg.StatsInterval = 0
	cfg.DeadLetterNotify = false
	return cfg
}

type harness struct {
	q     *xqueue.Queue
	tr    *memory.Transport
	store *memory.Store
}

// build returns an uninitialized queue over a memory transport and the given store.
func build(t *testing.T, cfg xqueue.Config, store *memory.Store) *harness {
	t.Helper()
	if store == nil {
		store = memory.NewStore(nil)
	}
	tr := memory.NewTransport(memory.Config{BufferSize: 256, Concurrency: 1})
	return &harness{q: newQueue(t, cfg, tr, store), tr: tr, store: store}
}

// newQueue builds a queue over arbitrary collaborators and closes it on cleanup.
func newQueue(t *testing.T, cfg xqueue.Config, tr xqueue.Transport, store xqueue.Store) *xqueue.Queue {
	t.Helper()
	q, err := xqueue.NewQueueBuilder().
		WithConfig(cfg).
		WithTransportInstance(tr).
		WithStoreInstance(store).
		Build()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	return q
}

// start builds and initializes a queue.
func start(t *testing.T, cfg xqueue.Config) *harness {
	t.Helper()
	h := build(t, cfg, nil)
	require.NoError(t, h.q.Initialize(context.Background()))
	return h
}

func failing(err error) xqueue.HandlerFunc {
	return func(context.Context, []byte) error { return err }
}

var errTransportDown = errors.New("transport down")

// flakyTransport is a memory transport whose Publish starts failing once its
// allowance runs out. A negative allowance never fails.
type flakyTransport struct {
	*memory.Transport

	mu    sync.Mutex
	allow int
}

func newFlakyTransport() *flakyTransport {
	return &flakyTransport{
		Transport: memory.NewTransport(memory.Config{BufferSize: 256, Concurrency: 1}),
		allow:     -1,
	}
}

// failAfter lets n more publishes through and fails the rest.
func (f *flakyTransport) failAfter(n int) {
	f.mu.Lock()
	f.allow = n
	f.mu.Unlock()
}

func (f *flakyTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	if f.allow == 0 {
		f.mu.Unlock()
		return errTransportDown
	}
	if f.allow > 0 {
		f.allow--
	}
	f.mu.Unlock()
	return f.Transport.Publish(ctx, channel, payload)
}

var errStoreDown = errors.New("store down")

// brokenStore is a memory store that rejects writes to keys under prefix.
type brokenStore struct {
	*memory.Store
	prefix string
}

func (s *brokenStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if strings.HasPrefix(key, s.prefix) {
		return errStoreDown
	}
	return s.Store.Set(ctx, key, value, ttl)
}
