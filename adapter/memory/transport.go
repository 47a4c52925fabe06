package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xqueue"
)

const Name = "memory"

func init() {
	if err := xqueue.RegisterTransport(Name, func(cfg map[string]any) (xqueue.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xqueue/memory: failed to register transport: %w", err))
	}
	if err := xqueue.RegisterStore(Name, func(cfg map[string]any) (xqueue.Store, error) {
		return NewStore(nil), nil
	}); err != nil {
		panic(fmt.Errorf("xqueue/memory: failed to register store: %w", err))
	}
}

var errClosed = errors.New("memory transport is closed")

// Config controls memory transport behavior.
type Config struct {
	// BufferSize is the per-channel queue size (default: 1024).
	BufferSize int
	// Concurrency is the number of worker goroutines per channel (default: 1).
	Concurrency int
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}

	return Config{
		BufferSize:  max(1, getInt("buffer_size", 1024)),
		Concurrency: max(1, getInt("concurrency", 1)),
	}
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"buffer_size": c.BufferSize,
		"concurrency": c.Concurrency,
	}
}

// Transport implements xqueue.Transport using in-memory channels (dev/testing).
// Publishing to a channel without subscribers drops the message, like Redis
// PUBLISH does.
type Transport struct {
	cfg Config

	mu     sync.RWMutex
	topics map[string]*topic
	wg     sync.WaitGroup

	closed atomic.Bool

	metrics transportMetrics
}

type transportMetrics struct {
	published atomic.Uint64
	consumed  atomic.Uint64
	dropped   atomic.Uint64
}

type topic struct {
	queue  chan []byte
	cancel context.CancelFunc
}

var _ xqueue.Transport = (*Transport)(nil)
var _ xqueue.Pinger = (*Transport)(nil)

// NewTransport creates a new in-memory transport.
func NewTransport(cfg Config) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Transport{
		cfg:    cfg,
		topics: make(map[string]*topic),
	}
}

// Publish enqueues payload for the channel's workers. A full queue blocks
// until there is room or ctx is done.
func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	if t.closed.Load() {
		return errClosed
	}

	t.mu.RLock()
	top, ok := t.topics[channel]
	t.mu.RUnlock()
	if !ok {
		t.metrics.dropped.Add(1)
		return nil
	}

	select {
	case top.queue <- payload:
	default:
		select {
		case top.queue <- payload:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t.metrics.published.Add(1)
	return nil
}

// Subscribe starts Concurrency workers feeding handler from the channel queue.
func (t *Transport) Subscribe(_ context.Context, channel string, handler func(ctx context.Context, payload []byte)) error {
	if t.closed.Load() {
		return errClosed
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.topics[channel]; ok {
		return fmt.Errorf("memory: channel %q already subscribed", channel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	top := &topic{queue: make(chan []byte, t.cfg.BufferSize), cancel: cancel}
	t.topics[channel] = top

	for i := 0; i < t.cfg.Concurrency; i++ {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.worker(ctx, top, handler)
		}()
	}
	return nil
}

func (t *Transport) worker(ctx context.Context, top *topic, handler func(ctx context.Context, payload []byte)) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-top.queue:
			t.metrics.consumed.Add(1)
			handler(ctx, payload)
		}
	}
}

// Unsubscribe stops the channel's workers without waiting for them; queued
// messages are discarded.
func (t *Transport) Unsubscribe(_ context.Context, channel string) error {
	t.mu.Lock()
	top, ok := t.topics[channel]
	delete(t.topics, channel)
	t.mu.Unlock()

	if ok {
		top.cancel()
	}
	return nil
}

func (t *Transport) Ping(_ context.Context) error {
	if t.closed.Load() {
		return errClosed
	}
	return nil
}

// Close stops all workers and waits for in-flight handlers until ctx is done.
func (t *Transport) Close(ctx context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}

	t.mu.Lock()
	for name, top := range t.topics {
		top.cancel()
		delete(t.topics, name)
	}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return errors.New("memory: workers still running after 5s")
	}
}

// Stats is transport telemetry.
type Stats struct {
	Published uint64
	Consumed  uint64
	Dropped   uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Published: t.metrics.published.Load(),
		Consumed:  t.metrics.consumed.Load(),
		Dropped:   t.metrics.dropped.Load(),
	}
}
