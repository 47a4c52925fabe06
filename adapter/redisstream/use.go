package redisstream

import (
	"fmt"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xqueue"
)

// Adapter: Redis Streams Transport (Strategy + Adapter patterns)

const TransportName = "redis-streams"

func init() {
	if err := xqueue.RegisterTransport(TransportName, func(cfg map[string]any) (xqueue.Transport, error) {
		t, err := NewTransport(ConfigFromMap(cfg))
		if err != nil {
			return nil, err
		}
		return t, nil
	}); err != nil {
		panic(fmt.Errorf("xqueue: failed to register transport %q: %w", TransportName, err))
	}
}

// Use builds a Queue with Redis Streams as transport and the given store
// (the "redis" store is the usual companion). It panics on failure.
func Use(cfg Config, store xqueue.Store, opts ...Option) *xqueue.Queue {
	qb := xqueue.NewQueueBuilder().
		WithTransport(TransportName, cfg.toMap()).
		WithStoreInstance(store)

	for _, o := range opts {
		if o != nil {
			o(qb)
		}
	}
	q, err := qb.Build()
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	return q
}

// Option configures the Queue construction when calling Use.
type Option func(*xqueue.QueueBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xqueue.QueueBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xqueue.QueueBuilder) { b.WithClock(c) }
}

// WithConfig sets the queue Config.
func WithConfig(c xqueue.Config) Option {
	return func(b *xqueue.QueueBuilder) { b.WithConfig(c) }
}

// WithMiddleware adds handler middlewares.
func WithMiddleware(mw ...xqueue.Middleware) Option {
	return func(b *xqueue.QueueBuilder) { b.WithMiddleware(mw...) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xqueue.Observer) Option {
	return func(b *xqueue.QueueBuilder) { b.WithObserver(obs...) }
}
