package xqueue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xqueue"
	"github.com/trickstertwo/xqueue/adapter/memory"
)

// TestDelivery_ExhaustionMovesToDeadLetter checks a single-attempt message
// lands in the dead-letter store under its per-message key.
func TestDelivery_ExhaustionMovesToDeadLetter(t *testing.T) {
	h := start(t, testConfig())
	ctx := context.Background()

	_, err := h.q.Subscribe(ctx, "orders", failing(errors.New("card declined")))
	require.NoError(t, err)

	id, err := h.q.Publish(ctx, "orders", order{ID: "o-1"}, xqueue.WithMaxRetries(1))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return h.q.Stats().Dead() == 1 }, waitFor, tick)

	key := xqueue.DeadLetterKey("orders", id)
	assert.Equal(t, "deadletter:orders:"+id, key)
	_, err = h.store.Get(ctx, key)
	require.NoError(t, err)

	entry, err := h.q.DeadLetters().Get(ctx, "orders", id)
	require.NoError(t, err)
	assert.Equal(t, id, entry.ID)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, "card declined", entry.Error)
	assert.Equal(t, []string{"orders#1"}, entry.Handlers)
	assert.False(t, entry.DeadAt.IsZero())
	assert.JSONEq(t, `{"id":"o-1","amount":0}`, string(entry.Data))

	c := h.q.Stats().Counters()
	assert.Equal(t, uint64(1), c.Dead)
	assert.Equal(t, uint64(1), c.Failed)
	assert.Zero(t, c.Processed)
	assert.Zero(t, c.Retried)
	assert.Equal(t, "0.00", c.SuccessRate)
}

// TestDelivery_RetriesUpToMaxRetries checks the attempt bound and counters.
func TestDelivery_RetriesUpToMaxRetries(t *testing.T) {
	h := start(t, testConfig())
	ctx := context.Background()

	var calls atomic.Int32
	var lastAttempt atomic.Int32
	_, err := h.q.Subscribe(ctx, "orders", xqueue.HandlerFunc(func(ctx context.Context, _ []byte) error {
		calls.Add(1)
		env, _ := xqueue.EnvelopeFromContext(ctx)
		lastAttempt.Store(int32(env.Attempts))
		return errors.New("always")
	}))
	require.NoError(t, err)

	id, err := h.q.Publish(ctx, "orders", order{ID: "o-1"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return h.q.Stats().Dead() == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(3), lastAttempt.Load())
	assert.Equal(t, uint64(2), h.q.Stats().Retried())
	assert.Zero(t, h.q.PendingRetries())

	entry, err := h.q.DeadLetters().Get(ctx, "orders", id)
	require.NoError(t, err)
	assert.Equal(t, 3, entry.Attempts)

	keys, err := h.store.Keys(ctx, "retry:*", 0)
	require.NoError(t, err)
	assert.Empty(t, keys, "retry records are removed once fired")
}

// TestDelivery_SucceedsAfterRetry checks a transient failure recovers.
func TestDelivery_SucceedsAfterRetry(t *testing.T) {
	h := start(t, testConfig())
	ctx := context.Background()

	var calls atomic.Int32
	_, err := h.q.Subscribe(ctx, "orders", xqueue.HandlerFunc(func(context.Context, []byte) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}))
	require.NoError(t, err)

	_, err = h.q.Publish(ctx, "orders", order{ID: "o-1"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return h.q.Stats().Processed() == 1 && h.q.Stats().Retried() == 2
	}, waitFor, tick)
	c := h.q.Stats().Counters()
	assert.Zero(t, c.Dead)
	assert.Zero(t, c.Failed)
	assert.Equal(t, "100.00", c.SuccessRate)
}

// TestDelivery_IndependentHandlers checks one handler's failure never
// re-invokes a handler that already succeeded.
func TestDelivery_IndependentHandlers(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	h := start(t, cfg)
	ctx := context.Background()

	var okCalls, badCalls atomic.Int32
	_, err := h.q.Subscribe(ctx, "orders", xqueue.HandlerFunc(func(context.Context, []byte) error {
		okCalls.Add(1)
		return nil
	}), xqueue.WithName("mailer"))
	require.NoError(t, err)
	_, err = h.q.Subscribe(ctx, "orders", xqueue.HandlerFunc(func(context.Context, []byte) error {
		badCalls.Add(1)
		return errors.New("ledger down")
	}), xqueue.WithName("ledger"))
	require.NoError(t, err)

	id, err := h.q.Publish(ctx, "orders", order{ID: "o-1"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return h.q.Stats().Dead() == 1 }, waitFor, tick)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, int32(1), okCalls.Load())
	assert.Equal(t, int32(2), badCalls.Load())
	assert.Equal(t, uint64(1), h.q.Stats().Processed())

	entry, err := h.q.DeadLetters().Get(ctx, "orders", id)
	require.NoError(t, err)
	assert.Equal(t, []string{"ledger"}, entry.Handlers)
	assert.Empty(t, entry.Handler)
}

// TestDelivery_TwoFailingHandlersShareEntry checks per-message dead-letter
// entries merge the handlers that gave up.
func TestDelivery_TwoFailingHandlersShareEntry(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	h := start(t, cfg)
	ctx := context.Background()

	_, err := h.q.Subscribe(ctx, "orders", failing(errors.New("a")), xqueue.WithName("a"))
	require.NoError(t, err)
	_, err = h.q.Subscribe(ctx, "orders", failing(errors.New("b")), xqueue.WithName("b"))
	require.NoError(t, err)

	id, err := h.q.Publish(ctx, "orders", order{ID: "o-1"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return h.q.Stats().Dead() == 2 }, waitFor, tick)

	entry, err := h.q.DeadLetters().Get(ctx, "orders", id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, entry.Handlers)

	n, err := h.q.DeadLetters().Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestRetryDeadLetterMessage_Replay checks replay targets the failed handler,
// resets attempts and is not repeatable.
func TestRetryDeadLetterMessage_Replay(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	h := start(t, cfg)
	ctx := context.Background()

	var healthy atomic.Bool
	var okCalls atomic.Int32
	var replayAttempt atomic.Int32
	_, err := h.q.Subscribe(ctx, "orders", xqueue.HandlerFunc(func(context.Context, []byte) error {
		okCalls.Add(1)
		return nil
	}), xqueue.WithName("mailer"))
	require.NoError(t, err)
	_, err = h.q.Subscribe(ctx, "orders", xqueue.HandlerFunc(func(ctx context.Context, _ []byte) error {
		if !healthy.Load() {
			return errors.New("down")
		}
		env, _ := xqueue.EnvelopeFromContext(ctx)
		replayAttempt.Store(int32(env.Attempts))
		return nil
	}), xqueue.WithName("ledger"))
	require.NoError(t, err)

	id, err := h.q.Publish(ctx, "orders", order{ID: "o-1"})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return h.q.Stats().Dead() == 1 }, waitFor, tick)

	entries, err := h.q.GetDeadLetterMessages(ctx, "orders", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)

	healthy.Store(true)
	ok, err := h.q.RetryDeadLetterMessage(ctx, id, "orders")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Eventually(t, func() bool { return h.q.Stats().Processed() == 2 }, waitFor, tick)
	assert.Equal(t, int32(1), replayAttempt.Load())
	assert.Equal(t, int32(1), okCalls.Load(), "replay only reaches the failed handler")

	_, err = h.q.DeadLetters().Get(ctx, "orders", id)
	assert.ErrorIs(t, err, xqueue.ErrNotFound)

	ok, err = h.q.RetryDeadLetterMessage(ctx, id, "orders")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestRetryDeadLetterMessage_Missing reports false for unknown ids.
func TestRetryDeadLetterMessage_Missing(t *testing.T) {
	h := start(t, testConfig())

	ok, err := h.q.RetryDeadLetterMessage(context.Background(), "nope", "orders")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestGetDeadLetterMessages_FiltersAndLimits checks channel filtering, the
// limit and that malformed entries are skipped.
func TestGetDeadLetterMessages_FiltersAndLimits(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	h := start(t, cfg)
	ctx := context.Background()

	for _, ch := range []string{"orders", "invoices"} {
		_, err := h.q.Subscribe(ctx, ch, failing(errors.New("x")))
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := h.q.Publish(ctx, "orders", i)
		require.NoError(t, err)
	}
	_, err := h.q.Publish(ctx, "invoices", 1)
	require.NoError(t, err)
	require.NoError(t, h.store.Set(ctx, xqueue.DeadLetterKey("orders", "zzz"), []byte("garbage"), time.Minute))

	assert.Eventually(t, func() bool { return h.q.Stats().Dead() == 4 }, waitFor, tick)

	all, err := h.q.GetDeadLetterMessages(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	orders, err := h.q.GetDeadLetterMessages(ctx, "orders", 0)
	require.NoError(t, err)
	assert.Len(t, orders, 3)
	for _, e := range orders {
		assert.Equal(t, "orders", e.Channel)
	}

	limited, err := h.q.GetDeadLetterMessages(ctx, "orders", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

// TestInitialize_ResumesDurableRetries checks that a retry persisted by a
// previous process is delivered after Initialize.
func TestInitialize_ResumesDurableRetries(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(nil)

	env := xqueue.NewEnvelope("orders", json.RawMessage(`{"id":"o-9"}`), 0, time.Now().Add(-time.Minute))
	env.Attempts = 1
	env.Handler = "ledger"
	rec, err := json.Marshal(map[string]any{
		"envelope": env,
		"dueAt":    time.Now().Add(-time.Second),
		"cause":    "ledger down",
	})
	require.NoError(t, err)
	key := xqueue.RetryKey("orders", env.ID, "ledger")
	require.NoError(t, store.Set(ctx, key, rec, time.Hour))
	require.NoError(t, store.Set(ctx, "retry:orders:broken:ledger", []byte("{"), time.Hour))

	h := build(t, testConfig(), store)

	attempts := make(chan int, 1)
	_, err = h.q.Subscribe(ctx, "orders", xqueue.HandlerFunc(func(ctx context.Context, _ []byte) error {
		e, _ := xqueue.EnvelopeFromContext(ctx)
		attempts <- e.Attempts
		return nil
	}), xqueue.WithName("ledger"))
	require.NoError(t, err)

	require.NoError(t, h.q.Initialize(ctx))

	select {
	case n := <-attempts:
		assert.Equal(t, 2, n)
	case <-time.After(waitFor):
		t.Fatal("resumed retry not delivered")
	}
	assert.Eventually(t, func() bool {
		keys, err := store.Keys(ctx, "retry:*", 0)
		return err == nil && len(keys) == 0
	}, waitFor, tick)
}

// TestClose_KeepsDurableRetries checks pending retries survive shutdown.
func TestClose_KeepsDurableRetries(t *testing.T) {
	cfg := testConfig()
	cfg.InitialRetryDelay = time.Hour
	h := start(t, cfg)
	ctx := context.Background()

	_, err := h.q.Subscribe(ctx, "orders", failing(errors.New("later")), xqueue.WithName("ledger"))
	require.NoError(t, err)
	id, err := h.q.Publish(ctx, "orders", order{ID: "o-1"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return h.q.PendingRetries() == 1 }, waitFor, tick)
	require.NoError(t, h.q.Close(ctx))
	assert.Zero(t, h.q.PendingRetries())

	_, err = h.store.Get(ctx, xqueue.RetryKey("orders", id, "ledger"))
	assert.NoError(t, err)
}
