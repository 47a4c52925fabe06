package memory

import (
	"fmt"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xqueue"
)

// Use builds a Queue backed by an in-memory transport and store. It panics
// when construction fails; the caller still calls Initialize.
//
// Example:
//
//	q := memory.Use(memory.Config{BufferSize: 4096, Concurrency: 8},
//	    memory.WithLogger(logger),
//	    memory.WithConfig(xqueue.ConfigFromEnv()),
//	)
func Use(cfg Config, opts ...Option) *xqueue.Queue {
	b := &builder{
		qb: xqueue.NewQueueBuilder().WithTransport(Name, cfg.toMap()),
	}
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}
	b.qb.WithStoreInstance(NewStore(b.clock))

	q, err := b.qb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	return q
}

type builder struct {
	qb    *xqueue.QueueBuilder
	clock xclock.Clock
}

// Option configures the Queue built by Use.
type Option func(*builder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *builder) { b.qb.WithLogger(l) }
}

// WithClock injects a custom xclock clock, shared by the queue and the store.
func WithClock(c xclock.Clock) Option {
	return func(b *builder) {
		b.clock = c
		b.qb.WithClock(c)
	}
}

// WithConfig sets the queue Config.
func WithConfig(c xqueue.Config) Option {
	return func(b *builder) { b.qb.WithConfig(c) }
}

// WithMiddleware adds handler middlewares.
func WithMiddleware(mw ...xqueue.Middleware) Option {
	return func(b *builder) { b.qb.WithMiddleware(mw...) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xqueue.Observer) Option {
	return func(b *builder) { b.qb.WithObserver(obs...) }
}
