package xqueue

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Queue is the central Facade: envelope publishing, per-handler delivery with
// retry and backoff, dead-letter quarantine and statistics, on top of a
// Transport and a Store. Construct it with NewQueueBuilder or New and pass it
// explicitly to the components that need it.
type Queue struct {
	cfg         Config
	instance    string
	transport   Transport
	store       Store
	codec       Codec
	clock       xclock.Clock
	logger      *xlog.Logger
	middlewares []Middleware

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer

	subsMu sync.RWMutex
	subs   map[string][]*Subscription
	subSeq map[string]int

	stats       *Stats
	deadLetters *DeadLetters
	retries     *retrier

	baseCtx context.Context
	cancel  context.CancelFunc
	bg      sync.WaitGroup

	initMu      sync.Mutex
	initialized atomic.Bool
	closed      atomic.Bool
	closeOnce   sync.Once
}

func newQueue(cfg Config, tr Transport, st Store, cd Codec, clk xclock.Clock, lg *xlog.Logger, mws []Middleware) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:         cfg,
		instance:    uuid.NewString(),
		transport:   tr,
		store:       st,
		codec:       cd,
		clock:       clk,
		logger:      lg,
		middlewares: mws,
		subs:        make(map[string][]*Subscription),
		subSeq:      make(map[string]int),
		baseCtx:     ctx,
		cancel:      cancel,
	}
	q.observerPool = NewObserverPool(ctx, cfg.ObserverWorkers, cfg.ObserverBuffer)
	q.observerPool.onPanic = func(_ Observer, r any) {
		lg.Warn().Msg(fmt.Sprintf("xqueue: observer panic (recovered): %v", r))
	}
	q.stats = newStats(clk, st, cd, lg, cfg.StatsTTL)
	q.deadLetters = &DeadLetters{
		store:   st,
		codec:   cd,
		clock:   clk,
		logger:  lg,
		stats:   q.stats,
		ttl:     cfg.DeadLetterTTL,
		notify:  cfg.DeadLetterNotify,
		publish: q.publishEnvelope,
		emit:    q.emit,
	}
	q.retries = newRetrier(q)
	return q
}

// Initialize verifies connectivity, starts the statistics loop and resumes
// durable retries left by a previous process. A failed call can be repeated;
// once it succeeded further calls are no-ops.
func (q *Queue) Initialize(ctx context.Context) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	q.initMu.Lock()
	defer q.initMu.Unlock()
	if q.initialized.Load() {
		return nil
	}
	return q.initialize(ctx)
}

func (q *Queue) initialize(ctx context.Context) error {
	if p, ok := q.transport.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			q.logger.Error().Err(err).Msg("xqueue: transport unreachable")
			return fmt.Errorf("xqueue: transport ping: %w", err)
		}
	}
	if p, ok := q.store.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			q.logger.Error().Err(err).Msg("xqueue: store unreachable")
			return fmt.Errorf("xqueue: store ping: %w", err)
		}
	}

	if q.cfg.DurableRetries {
		if err := q.retries.heartbeat(ctx); err != nil {
			q.logger.Error().Err(err).Msg("xqueue: retry lease not written")
			return fmt.Errorf("xqueue: retry lease: %w", err)
		}
	}

	if q.cfg.StatsInterval > 0 {
		q.bg.Add(1)
		go func() {
			defer q.bg.Done()
			q.stats.run(q.baseCtx, q.cfg.StatsInterval)
		}()
	}

	if q.cfg.DurableRetries {
		n, err := q.retries.recover(ctx)
		if err != nil {
			q.logger.Warn().Err(err).Msg("xqueue: retry recovery failed")
		} else if n > 0 {
			q.logger.Info().Str("resumed", fmt.Sprint(n)).Msg("xqueue: pending retries resumed")
		}
		q.bg.Add(1)
		go func() {
			defer q.bg.Done()
			q.retries.maintain(q.baseCtx)
		}()
	}

	q.initialized.Store(true)
	q.logger.Info().Msg("xqueue: initialized")
	return nil
}

type publishOptions struct {
	maxRetries int
}

// PublishOption configures a single Publish call.
type PublishOption func(*publishOptions)

// WithMaxRetries overrides the queue's MaxRetries for one message.
func WithMaxRetries(n int) PublishOption {
	return func(o *publishOptions) { o.maxRetries = n }
}

// Publish wraps payload into a new envelope and hands it to the transport.
// It returns the message id once the transport accepted it; it never waits
// for subscribers.
func (q *Queue) Publish(ctx context.Context, channel string, payload any, opts ...PublishOption) (string, error) {
	if q.closed.Load() {
		return "", ErrQueueClosed
	}
	if !q.initialized.Load() {
		return "", ErrNotInitialized
	}
	if channel == "" {
		return "", ErrInvalidChannel
	}

	var o publishOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.maxRetries < 0 {
		return "", ErrInvalidMaxRetries
	}

	data, err := q.codec.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("xqueue: encode payload: %w", err)
	}

	env := NewEnvelope(channel, data, o.maxRetries, q.clock.Now())
	if err := q.publishEnvelope(ctx, env); err != nil {
		return "", err
	}
	return env.ID, nil
}

// publishEnvelope encodes env as is (id and attempts untouched) and publishes it.
func (q *Queue) publishEnvelope(ctx context.Context, env *Envelope) error {
	raw, err := q.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("xqueue: encode envelope: %w", err)
	}

	start := q.clock.Now()
	err = q.transport.Publish(ctx, env.Channel, raw)
	duration := q.clock.Since(start)

	if err != nil {
		q.emit(Event{Type: PublishFailed, Channel: env.Channel, MessageID: env.ID, Attempt: env.Attempts, Duration: duration, Err: err})
		return fmt.Errorf("xqueue: publish %s: %w", env.Channel, err)
	}
	q.emit(Event{Type: Published, Channel: env.Channel, Handler: env.Handler, MessageID: env.ID, Attempt: env.Attempts, Duration: duration})
	return nil
}

// Stats exposes the live counters.
func (q *Queue) Stats() *Stats { return q.stats }

// GetStats returns the latest stored snapshot, or the live counters before the
// first snapshot has been written.
func (q *Queue) GetStats(ctx context.Context) (StatsSnapshot, error) {
	return q.stats.load(ctx)
}

// DeadLetters exposes the dead-letter store.
func (q *Queue) DeadLetters() *DeadLetters { return q.deadLetters }

// GetDeadLetterMessages lists up to limit dead letters (default 100), for one
// channel or all when channel is empty.
func (q *Queue) GetDeadLetterMessages(ctx context.Context, channel string, limit int) ([]DeadLetterEntry, error) {
	return q.deadLetters.List(ctx, channel, limit)
}

// RetryDeadLetterMessage replays a dead letter; false when it does not exist.
func (q *Queue) RetryDeadLetterMessage(ctx context.Context, messageID, channel string) (bool, error) {
	if q.closed.Load() {
		return false, ErrQueueClosed
	}
	return q.deadLetters.Replay(ctx, channel, messageID)
}

// Instance returns the id this queue uses to own its durable retry records.
func (q *Queue) Instance() string { return q.instance }

// PendingRetries returns the number of retries waiting for their backoff.
func (q *Queue) PendingRetries() int { return q.retries.pending() }

// Health checks queue health for Kubernetes liveness and readiness checks.
func (q *Queue) Health(ctx context.Context) HealthStatus {
	now := q.clock.Now()
	switch {
	case q.closed.Load():
		return HealthStatus{Status: "unhealthy", Timestamp: now, Message: "queue is closed"}
	case !q.initialized.Load():
		return HealthStatus{Status: "unhealthy", Timestamp: now, Message: "queue is not initialized"}
	}

	c := q.stats.Counters()
	status := "healthy"
	msg := ""

	// Degraded if more than 5% of completed deliveries failed.
	if total := c.Processed + c.Failed; total > 0 && float64(c.Failed)/float64(total) > 0.05 {
		status = "degraded"
		msg = "failure rate above 5%"
	}
	if p, ok := q.store.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			status = "degraded"
			msg = "store unreachable: " + err.Error()
		}
	}

	return HealthStatus{Status: status, Counters: c, Timestamp: now, Message: msg}
}

// Close shuts the queue down: pending retry timers and the statistics loop
// stop, then the transport and store close. In-flight handlers are not awaited.
// Durable retry records stay in the store and the owner lease is dropped, so
// another queue on the same store resumes them.
func (q *Queue) Close(ctx context.Context) error {
	var closeErr error

	q.closeOnce.Do(func() {
		q.closed.Store(true)
		q.retries.stop()
		q.cancel()
		q.bg.Wait()

		if err := q.observerPool.Close(5 * time.Second); err != nil {
			q.logger.Warn().Err(err).Msg("xqueue: observer pool shutdown timeout")
			closeErr = errors.Join(closeErr, err)
		}
		if q.cfg.DurableRetries && q.initialized.Load() {
			if err := q.retries.release(ctx); err != nil {
				q.logger.Warn().Err(err).Msg("xqueue: retry lease not released")
			}
		}
		if err := q.transport.Close(ctx); err != nil {
			q.logger.Error().Err(err).Msg("xqueue: transport close failed")
			closeErr = errors.Join(closeErr, err)
		}
		if err := q.store.Close(ctx); err != nil {
			q.logger.Error().Err(err).Msg("xqueue: store close failed")
			closeErr = errors.Join(closeErr, err)
		}
	})

	return closeErr
}

// AddObserver registers an observer (thread-safe).
func (q *Queue) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	q.observersMu.Lock()
	q.observers = append(q.observers, obs)
	q.observersMu.Unlock()
}

// RemoveObserver removes an observer. Observers of uncomparable types, such as
// ObserverFunc, cannot be removed.
func (q *Queue) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	q.observersMu.Lock()
	defer q.observersMu.Unlock()

	if !reflect.TypeOf(obs).Comparable() {
		return
	}
	for i, o := range q.observers {
		if reflect.TypeOf(o) == reflect.TypeOf(obs) && o == obs {
			q.observers = append(q.observers[:i:i], q.observers[i+1:]...)
			break
		}
	}
}

// emit dispatches e asynchronously to a snapshot of the observers.
func (q *Queue) emit(e Event) {
	if q.closed.Load() {
		return
	}
	q.observersMu.RLock()
	if len(q.observers) == 0 {
		q.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(q.observers))
	copy(observers, q.observers)
	q.observersMu.RUnlock()

	q.observerPool.Notify(e, observers)
}
