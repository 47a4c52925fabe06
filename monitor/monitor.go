// Package monitor watches a running queue: a polling Monitor raises
// threshold alerts through xlog and a PrometheusObserver exports lifecycle
// events as metrics.
package monitor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xqueue"
)

// StatsSource is satisfied by *xqueue.Queue.
type StatsSource interface {
	GetStats(ctx context.Context) (xqueue.StatsSnapshot, error)
}

// DeadLetterCounter is satisfied by *xqueue.DeadLetters.
type DeadLetterCounter interface {
	Count(ctx context.Context, channel string) (int, error)
}

// Thresholds define when a Report is unhealthy. Zero values disable a check.
type Thresholds struct {
	// MinSuccessRate in percent, compared once MinSamples completions exist.
	MinSuccessRate float64
	MinSamples     uint64
	MaxDeadLetters int
	MaxLatency     time.Duration
}

// Report is the outcome of one Check.
type Report struct {
	At          time.Time
	Snapshot    xqueue.StatsSnapshot
	DeadLetters int
	Alerts      []string
}

func (r Report) Healthy() bool { return len(r.Alerts) == 0 }

// Monitor polls queue statistics and the dead-letter count.
type Monitor struct {
	stats      StatsSource
	deadLetter DeadLetterCounter
	thresholds Thresholds
	interval   time.Duration
	clock      xclock.Clock
	log        *xlog.Logger

	mu   sync.RWMutex
	last Report
}

type Option func(*Monitor)

func WithThresholds(t Thresholds) Option { return func(m *Monitor) { m.thresholds = t } }

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithClock(c xclock.Clock) Option {
	return func(m *Monitor) {
		if c != nil {
			m.clock = c
		}
	}
}

func WithLogger(l *xlog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

// New returns a Monitor; dl may be nil to skip the dead-letter check.
func New(stats StatsSource, dl DeadLetterCounter, opts ...Option) *Monitor {
	m := &Monitor{
		stats:      stats,
		deadLetter: dl,
		interval:   30 * time.Second,
		thresholds: Thresholds{MinSuccessRate: 95, MinSamples: 20, MaxDeadLetters: 100},
		clock:      xclock.Default(),
		log:        xlog.Default(),
	}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	return m
}

// Check takes one reading, logs every alert and stores the Report.
func (m *Monitor) Check(ctx context.Context) (Report, error) {
	snap, err := m.stats.GetStats(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("monitor: stats: %w", err)
	}
	r := Report{At: m.clock.Now(), Snapshot: snap}

	if m.deadLetter != nil {
		n, err := m.deadLetter.Count(ctx, "")
		if err != nil {
			return Report{}, fmt.Errorf("monitor: dead letters: %w", err)
		}
		r.DeadLetters = n
	}

	r.Alerts = m.evaluate(r)
	for _, a := range r.Alerts {
		m.log.Warn().
			Str("success_rate", snap.Stats.SuccessRate).
			Str("dead_letters", strconv.Itoa(r.DeadLetters)).
			Msg("xqueue monitor: " + a)
	}

	m.mu.Lock()
	m.last = r
	m.mu.Unlock()
	return r, nil
}

func (m *Monitor) evaluate(r Report) []string {
	var alerts []string
	c := r.Snapshot.Stats
	th := m.thresholds

	if th.MinSuccessRate > 0 && c.Processed+c.Failed >= max(th.MinSamples, 1) {
		if rate, err := strconv.ParseFloat(c.SuccessRate, 64); err == nil && rate < th.MinSuccessRate {
			alerts = append(alerts, fmt.Sprintf("success rate %s%% below %.2f%%", c.SuccessRate, th.MinSuccessRate))
		}
	}
	if th.MaxDeadLetters > 0 && r.DeadLetters > th.MaxDeadLetters {
		alerts = append(alerts, fmt.Sprintf("%d dead letters exceed %d", r.DeadLetters, th.MaxDeadLetters))
	}
	if th.MaxLatency > 0 {
		if lat := time.Duration(c.Latency * float64(time.Millisecond)); lat > th.MaxLatency {
			alerts = append(alerts, fmt.Sprintf("handler latency %s exceeds %s", lat, th.MaxLatency))
		}
	}
	return alerts
}

// Last returns the most recent Report, zero before the first Check.
func (m *Monitor) Last() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Run checks on every interval until ctx is done. Failed checks are logged
// and do not stop the loop.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Check(ctx); err != nil && ctx.Err() == nil {
				m.log.Error().Err(err).Msg("xqueue monitor: check failed")
			}
		}
	}
}
