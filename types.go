package xqueue

import (
	"time"
)

// Counters is the serialized form of the queue statistics.
type Counters struct {
	Processed   uint64  `json:"processed"`
	Failed      uint64  `json:"failed"`
	Retried     uint64  `json:"retried"`
	Dead        uint64  `json:"dead"`
	SuccessRate string  `json:"successRate"`
	Latency     float64 `json:"latency"` // ms, most recent successful handler run
}

// StatsSnapshot is what GetStats returns and what the aggregator persists.
type StatsSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Stats     Counters  `json:"stats"`
	Uptime    int64     `json:"uptime"` // seconds
}

// DeadLetterEntry is a quarantined envelope plus the failure that put it there.
type DeadLetterEntry struct {
	Envelope
	Error      string    `json:"error"`
	ErrorStack string    `json:"errorStack,omitempty"`
	DeadAt     time.Time `json:"deadAt"`
	// Handlers lists every subscription that exhausted its retries for this message.
	Handlers []string `json:"handlers,omitempty"`
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events successfully processed
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// HealthStatus indicates queue health for Kubernetes liveness and readiness checks.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Counters  Counters
	Timestamp time.Time
	Message   string
}
