package redis

import (
	"fmt"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xqueue"
)

// Use builds a Queue whose transport and store share one Redis client. It
// panics when construction fails; the caller still calls Initialize, which
// pings Redis.
func Use(cfg Config, opts ...Option) *xqueue.Queue {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Errorf("redis.Use: %w", err))
	}
	client := NewClient(cfg)

	qb := xqueue.NewQueueBuilder().
		WithTransportInstance(NewTransport(client, cfg, true)).
		WithStoreInstance(NewStore(client, cfg, false))
	for _, o := range opts {
		if o != nil {
			o(qb)
		}
	}

	q, err := qb.Build()
	if err != nil {
		_ = client.Close()
		panic(fmt.Errorf("redis.Use: %w", err))
	}
	return q
}

// Option configures the Queue built by Use.
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
