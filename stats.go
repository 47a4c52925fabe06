package xqueue

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// StatsKey is the store key holding the latest statistics snapshot.
const StatsKey = "messagequeue:stats:latest"

// Stats aggregates process-wide delivery counters with lock-free atomics.
// Snapshots from several processes sharing one store overwrite each other.
type Stats struct {
	processed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	dead      atomic.Uint64
	latencyNs atomic.Int64

	startedAt time.Time
	clock     xclock.Clock
	store     Store
	codec     Codec
	logger    *xlog.Logger
	ttl       time.Duration
}

func newStats(clock xclock.Clock, store Store, codec Codec, logger *xlog.Logger, ttl time.Duration) *Stats {
	return &Stats{
		startedAt: clock.Now(),
		clock:     clock,
		store:     store,
		codec:     codec,
		logger:    logger,
		ttl:       ttl,
	}
}

func (s *Stats) recordSuccess(d time.Duration) {
	s.processed.Add(1)
	s.latencyNs.Store(d.Nanoseconds())
}

func (s *Stats) recordDead() {
	s.dead.Add(1)
	s.failed.Add(1)
}

func (s *Stats) Processed() uint64 { return s.processed.Load() }
func (s *Stats) Failed() uint64    { return s.failed.Load() }
func (s *Stats) Retried() uint64   { return s.retried.Load() }
func (s *Stats) Dead() uint64      { return s.dead.Load() }

// Latency returns the duration of the most recent successful handler run.
func (s *Stats) Latency() time.Duration { return time.Duration(s.latencyNs.Load()) }

// Counters returns the live counters with the derived success rate.
func (s *Stats) Counters() Counters {
	processed := s.processed.Load()
	failed := s.failed.Load()
	return Counters{
		Processed:   processed,
		Failed:      failed,
		Retried:     s.retried.Load(),
		Dead:        s.dead.Load(),
		SuccessRate: SuccessRate(processed, failed),
		Latency:     float64(s.latencyNs.Load()) / 1e6,
	}
}

// Snapshot captures the live counters at the current clock time.
func (s *Stats) Snapshot() StatsSnapshot {
	now := s.clock.Now()
	return StatsSnapshot{
		Timestamp: now,
		Stats:     s.Counters(),
		Uptime:    int64(now.Sub(s.startedAt).Seconds()),
	}
}

// SuccessRate formats processed/(processed+failed)*100 with two decimals,
// "0.00" when nothing has completed yet.
func SuccessRate(processed, failed uint64) string {
	total := processed + failed
	if total == 0 {
		return "0.00"
	}
	return strconv.FormatFloat(float64(processed)/float64(total)*100, 'f', 2, 64)
}

// persist writes the current snapshot under StatsKey, replacing the previous one.
func (s *Stats) persist(ctx context.Context) (StatsSnapshot, error) {
	snap := s.Snapshot()
	raw, err := s.codec.Marshal(snap)
	if err != nil {
		return snap, err
	}
	return snap, s.store.Set(ctx, StatsKey, raw, s.ttl)
}

// run snapshots on every tick until ctx is done.
func (s *Stats) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap, err := s.persist(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Msg("xqueue: stats snapshot failed")
		}
		s.logger.Info().
			Str("processed", strconv.FormatUint(snap.Stats.Processed, 10)).
			Str("failed", strconv.FormatUint(snap.Stats.Failed, 10)).
			Str("retried", strconv.FormatUint(snap.Stats.Retried, 10)).
			Str("dead", strconv.FormatUint(snap.Stats.Dead, 10)).
			Str("success_rate", snap.Stats.SuccessRate).
			Float64("latency_ms", snap.Stats.Latency).
			Msg("xqueue: stats")
	}
}

// load returns the stored snapshot, falling back to live counters when none
// has been written yet or the stored one is unreadable.
func (s *Stats) load(ctx context.Context) (StatsSnapshot, error) {
	raw, err := s.store.Get(ctx, StatsKey)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn().Err(err).Msg("xqueue: stats snapshot read failed")
		}
		return s.Snapshot(), nil
	}
	var snap StatsSnapshot
	if err := s.codec.Unmarshal(raw, &snap); err != nil {
		s.logger.Warn().Err(err).Msg("xqueue: stored stats snapshot unreadable")
		return s.Snapshot(), nil
	}
	return snap, nil
}
