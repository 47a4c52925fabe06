package monitor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/trickstertwo/xqueue"
)

// PrometheusObserver exports queue events as Prometheus metrics. Attach it
// with Queue.AddObserver or the builder's WithObserver.
type PrometheusObserver struct {
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	delay    *prometheus.HistogramVec
}

var _ xqueue.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver registers its collectors with reg.
func NewPrometheusObserver(reg prometheus.Registerer, namespace string) (*PrometheusObserver, error) {
	p := &PrometheusObserver{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Queue lifecycle events by type and channel.",
		}, []string{"type", "channel"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler run time per delivery attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel", "handler"}),
		delay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retry_delay_seconds",
			Help:      "Backoff before a scheduled retry.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"channel"}),
	}
	for _, c := range []prometheus.Collector{p.events, p.duration, p.delay} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *PrometheusObserver) OnEvent(e xqueue.Event) {
	p.events.WithLabelValues(string(e.Type), e.Channel).Inc()
	switch e.Type {
	case xqueue.Delivered, xqueue.DeliveryFailed:
		if e.Duration > 0 {
			p.duration.WithLabelValues(e.Channel, e.Handler).Observe(e.Duration.Seconds())
		}
	case xqueue.RetryScheduled:
		p.delay.WithLabelValues(e.Channel).Observe(e.Delay.Seconds())
	}
}

// StatsCollector exposes the queue's live counters at scrape time.
type StatsCollector struct {
	stats   *xqueue.Stats
	pending func() int

	processed, failed, retried, dead, latency, retries *prometheus.Desc
}

var _ prometheus.Collector = (*StatsCollector)(nil)

// NewStatsCollector reads counters from q on every scrape.
func NewStatsCollector(q *xqueue.Queue, namespace string) *StatsCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	return &StatsCollector{
		stats:     q.Stats(),
		pending:   q.PendingRetries,
		processed: desc("processed_total", "Handler runs that succeeded."),
		failed:    desc("failed_total", "Deliveries that exhausted their retries."),
		retried:   desc("retried_total", "Retry attempts dispatched."),
		dead:      desc("dead_lettered_total", "Deliveries moved to the dead-letter store."),
		latency:   desc("last_latency_seconds", "Duration of the most recent successful handler run."),
		retries:   desc("pending_retries", "Retry timers currently armed."),
	}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.processed, c.failed, c.retried, c.dead, c.latency, c.retries} {
		ch <- d
	}
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.processed, prometheus.CounterValue, float64(c.stats.Processed()))
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(c.stats.Failed()))
	ch <- prometheus.MustNewConstMetric(c.retried, prometheus.CounterValue, float64(c.stats.Retried()))
	ch <- prometheus.MustNewConstMetric(c.dead, prometheus.CounterValue, float64(c.stats.Dead()))
	ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, c.stats.Latency().Seconds())
	ch <- prometheus.MustNewConstMetric(c.retries, prometheus.GaugeValue, float64(c.pending()))
}
