package xqueue_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xqueue"
)

func TestSuccessRate(t *testing.T) {
	tests := []struct {
		processed, failed uint64
		want              string
	}{
		{0, 0, "0.00"},
		{7, 3, "70.00"},
		{1, 0, "100.00"},
		{0, 4, "0.00"},
		{2, 1, "66.67"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, xqueue.SuccessRate(tt.processed, tt.failed), "%d/%d", tt.processed, tt.failed)
	}
}

// TestGetStats_LiveBeforeFirstSnapshot checks the fallback to live counters.
func TestGetStats_LiveBeforeFirstSnapshot(t *testing.T) {
	h := start(t, testConfig())
	ctx := context.Background()

	_, err := h.q.Subscribe(ctx, "orders", failing(nil))
	require.NoError(t, err)
	_, err = h.q.Publish(ctx, "orders", 1)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return h.q.Stats().Processed() == 1 }, waitFor, tick)

	snap, err := h.q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Stats.Processed)
	assert.Equal(t, "100.00", snap.Stats.SuccessRate)
	assert.GreaterOrEqual(t, snap.Stats.Latency, 0.0)
}

// TestGetStats_PersistsSnapshots checks the periodic snapshot under StatsKey.
func TestGetStats_PersistsSnapshots(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	cfg.StatsInterval = 10 * time.Millisecond
	h := start(t, cfg)
	ctx := context.Background()

	_, err := h.q.Subscribe(ctx, "ok", failing(nil))
	require.NoError(t, err)
	_, err = h.q.Subscribe(ctx, "bad", failing(errors.New("no")))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = h.q.Publish(ctx, "ok", i)
		require.NoError(t, err)
	}
	_, err = h.q.Publish(ctx, "bad", 1)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		raw, err := h.store.Get(ctx, xqueue.StatsKey)
		if err != nil {
			return false
		}
		var snap xqueue.StatsSnapshot
		if json.Unmarshal(raw, &snap) != nil {
			return false
		}
		return snap.Stats.Processed == 3 && snap.Stats.Dead == 1
	}, waitFor, tick)

	snap, err := h.q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), snap.Stats.Processed)
	assert.Equal(t, uint64(1), snap.Stats.Failed)
	assert.Equal(t, uint64(1), snap.Stats.Dead)
	assert.Equal(t, "75.00", snap.Stats.SuccessRate)
	assert.False(t, snap.Timestamp.IsZero())
}

// TestGetStats_UnreadableSnapshot falls back to live counters.
func TestGetStats_UnreadableSnapshot(t *testing.T) {
	h := start(t, testConfig())
	ctx := context.Background()

	require.NoError(t, h.store.Set(ctx, xqueue.StatsKey, []byte("{broken"), time.Minute))
	snap, err := h.q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.00", snap.Stats.SuccessRate)
}
