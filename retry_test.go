package xqueue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xqueue"
	"github.com/trickstertwo/xqueue/adapter/memory"
)

// writeRetryRecord stores a due retry for handler "ledger" owned by owner.
func writeRetryRecord(t *testing.T, store *memory.Store, owner, orderID string) string {
	t.Helper()
	env := xqueue.NewEnvelope("orders", json.RawMessage(`{"id":"`+orderID+`"}`), 0, time.Now())
	env.Attempts = 1
	env.Handler = "ledger"
	rec, err := json.Marshal(map[string]any{
		"envelope": env,
		"dueAt":    time.Now(),
		"cause":    "ledger down",
		"owner":    owner,
	})
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), xqueue.RetryKey("orders", env.ID, "ledger"), rec, time.Hour))
	return env.ID
}

// TestDurableRetries_SharedStoreKeepsOwnership checks a queue starting on a
// store shared with a live queue leaves that queue's pending retries alone.
func TestDurableRetries_SharedStoreKeepsOwnership(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(nil)
	cfg := testConfig()
	cfg.InitialRetryDelay = 150 * time.Millisecond

	a := build(t, cfg, store)
	var aCalls atomic.Int32
	_, err := a.q.Subscribe(ctx, "orders", xqueue.HandlerFunc(func(context.Context, []byte) error {
		aCalls.Add(1)
		return errors.New("ledger down")
	}), xqueue.WithName("ledger"))
	require.NoError(t, err)
	require.NoError(t, a.q.Initialize(ctx))

	id, err := a.q.Publish(ctx, "orders", order{ID: "o-1"}, xqueue.WithMaxRetries(2))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, err := store.Get(ctx, xqueue.RetryKey("orders", id, "ledger"))
		return err == nil
	}, waitFor, tick)

	b := build(t, cfg, store)
	var bCalls atomic.Int32
	_, err = b.q.Subscribe(ctx, "orders", xqueue.HandlerFunc(func(context.Context, []byte) error {
		bCalls.Add(1)
		return errors.New("ledger down")
	}), xqueue.WithName("ledger"))
	require.NoError(t, err)
	require.NoError(t, b.q.Initialize(ctx))
	assert.Zero(t, b.q.PendingRetries())

	assert.Eventually(t, func() bool { return a.q.Stats().Dead() == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(2), aCalls.Load())
	assert.Equal(t, uint64(1), a.q.Stats().Retried())
	assert.Zero(t, bCalls.Load())
	assert.Zero(t, b.q.Stats().Dead())
	assert.Zero(t, b.q.Stats().Retried())
}

// TestDurableRetries_TakeoverAfterClose checks that records left by a closed
// queue are resumed by the next queue on the store.
func TestDurableRetries_TakeoverAfterClose(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(nil)
	cfg := testConfig()
	cfg.InitialRetryDelay = 300 * time.Millisecond

	a := build(t, cfg, store)
	_, err := a.q.Subscribe(ctx, "orders", failing(errors.New("ledger down")), xqueue.WithName("ledger"))
	require.NoError(t, err)
	require.NoError(t, a.q.Initialize(ctx))

	id, err := a.q.Publish(ctx, "orders", order{ID: "o-2"})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return a.q.PendingRetries() == 1 }, waitFor, tick)
	require.NoError(t, a.q.Close(ctx))

	_, err = store.Get(ctx, xqueue.RetryOwnerKey(a.q.Instance()))
	assert.ErrorIs(t, err, xqueue.ErrNotFound, "closing drops the owner lease")

	b := build(t, cfg, store)
	delivered := make(chan xqueue.Envelope, 1)
	_, err = b.q.Subscribe(ctx, "orders", xqueue.HandlerFunc(func(ctx context.Context, _ []byte) error {
		env, _ := xqueue.EnvelopeFromContext(ctx)
		delivered <- env
		return nil
	}), xqueue.WithName("ledger"))
	require.NoError(t, err)
	require.NoError(t, b.q.Initialize(ctx))
	assert.Equal(t, 1, b.q.PendingRetries())

	select {
	case env := <-delivered:
		assert.Equal(t, id, env.ID)
		assert.Equal(t, 2, env.Attempts)
	case <-time.After(waitFor):
		t.Fatal("retry of the closed queue not resumed")
	}
	assert.Eventually(t, func() bool { return b.q.Stats().Retried() == 1 }, waitFor, tick)
}

// TestDurableRetries_ResumesOrphanedRecords checks the lease loop picks up
// records of a vanished owner while records of a live owner stay put.
func TestDurableRetries_ResumesOrphanedRecords(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(nil)
	cfg := testConfig()
	cfg.RetryLeaseTTL = 30 * time.Millisecond

	b := build(t, cfg, store)
	var mu sync.Mutex
	var seen []string
	_, err := b.q.Subscribe(ctx, "orders", xqueue.HandlerFunc(func(ctx context.Context, _ []byte) error {
		env, _ := xqueue.EnvelopeFromContext(ctx)
		mu.Lock()
		seen = append(seen, env.ID)
		mu.Unlock()
		return nil
	}), xqueue.WithName("ledger"))
	require.NoError(t, err)
	require.NoError(t, b.q.Initialize(ctx))

	require.NoError(t, store.Set(ctx, xqueue.RetryOwnerKey("live-instance"), []byte("live-instance"), time.Hour))
	liveID := writeRetryRecord(t, store, "live-instance", "o-live")
	orphanID := writeRetryRecord(t, store, "crashed-instance", "o-orphan")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, waitFor, tick)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{orphanID}, seen)
	mu.Unlock()

	_, err = store.Get(ctx, xqueue.RetryKey("orders", liveID, "ledger"))
	assert.NoError(t, err, "record of a live owner is untouched")
	_, err = store.Get(ctx, xqueue.RetryKey("orders", orphanID, "ledger"))
	assert.ErrorIs(t, err, xqueue.ErrNotFound)
}
