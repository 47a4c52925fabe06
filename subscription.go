package xqueue

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// Subscription is one handler registered on a channel.
type Subscription struct {
	q       *Queue
	channel string
	name    string
	handler Handler // fully wrapped chain
	autoAck bool
	sem     *semaphore.Weighted
}

// Channel returns the subscribed channel.
func (s *Subscription) Channel() string { return s.channel }

// Name returns the handler name used to address retries and dead letters.
func (s *Subscription) Name() string { return s.name }

// Close removes this handler from its channel.
func (s *Subscription) Close() error {
	return s.q.Unsubscribe(context.Background(), s.channel, s.name)
}

type subscribeOptions struct {
	name        string
	autoAck     bool
	concurrency int
	timeout     time.Duration
}

// SubscribeOption configures a single subscription.
type SubscribeOption func(*subscribeOptions)

// WithName sets the handler name (default "{channel}#{n}"). Names must be
// stable across processes for durable retries to find their handler.
func WithName(name string) SubscribeOption {
	return func(o *subscribeOptions) { o.name = name }
}

// WithAutoAck controls implicit acknowledgment (default true). With false the
// handler must call Ack(ctx) before returning nil.
func WithAutoAck(v bool) SubscribeOption {
	return func(o *subscribeOptions) { o.autoAck = v }
}

// WithConcurrency bounds in-flight invocations of this handler (0 = unbounded).
func WithConcurrency(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		if n >= 0 {
			o.concurrency = n
		}
	}
}

// WithTimeout bounds each invocation of this handler.
func WithTimeout(d time.Duration) SubscribeOption {
	return func(o *subscribeOptions) { o.timeout = d }
}

// Subscribe registers handler for channel. The first handler on a channel
// subscribes at the transport; later ones only join the local list.
func (q *Queue) Subscribe(ctx context.Context, channel string, handler Handler, opts ...SubscribeOption) (*Subscription, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}
	if channel == "" {
		return nil, ErrInvalidChannel
	}
	if handler == nil {
		return nil, ErrInvalidHandler
	}

	o := subscribeOptions{autoAck: true, concurrency: q.cfg.HandlerConcurrency}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	q.subsMu.Lock()
	defer q.subsMu.Unlock()

	list := q.subs[channel]
	if o.name == "" {
		q.subSeq[channel]++
		o.name = fmt.Sprintf("%s#%d", channel, q.subSeq[channel])
	}
	for _, s := range list {
		if s.name == o.name {
			return nil, fmt.Errorf("%w: %s on %s", ErrDuplicateHandler, o.name, channel)
		}
	}

	mws := []Middleware{RecoveryMiddleware()}
	if !o.autoAck {
		mws = append(mws, ackMiddleware())
	}
	mws = append(mws, q.middlewares...)
	mws = append(mws, TimeoutMiddleware(o.timeout))

	sub := &Subscription{
		q:       q,
		channel: channel,
		name:    o.name,
		handler: Chain(handler, mws...),
		autoAck: o.autoAck,
	}
	if o.concurrency > 0 {
		sub.sem = semaphore.NewWeighted(int64(o.concurrency))
	}

	if len(list) == 0 {
		if err := q.transport.Subscribe(ctx, channel, q.onMessage(channel)); err != nil {
			return nil, fmt.Errorf("xqueue: subscribe %s: %w", channel, err)
		}
	}
	q.subs[channel] = append(list, sub)

	q.logger.Info().
		Str("channel", channel).
		Str("handler", sub.name).
		Msg("xqueue: handler subscribed")
	return sub, nil
}

// Unsubscribe removes the named handler, or every handler when name is empty.
// Removing the last handler unsubscribes at the transport.
func (q *Queue) Unsubscribe(ctx context.Context, channel, name string) error {
	if channel == "" {
		return ErrInvalidChannel
	}

	q.subsMu.Lock()
	defer q.subsMu.Unlock()

	list, ok := q.subs[channel]
	if !ok || len(list) == 0 {
		return ErrNotSubscribed
	}

	kept := list[:0:0]
	for _, s := range list {
		if name != "" && s.name != name {
			kept = append(kept, s)
		}
	}
	if len(kept) == len(list) {
		return ErrNotSubscribed
	}

	if len(kept) > 0 {
		q.subs[channel] = kept
		return nil
	}

	delete(q.subs, channel)
	if q.closed.Load() {
		return nil
	}
	if err := q.transport.Unsubscribe(ctx, channel); err != nil {
		q.logger.Warn().Err(err).Str("channel", channel).Msg("xqueue: transport unsubscribe failed")
		return fmt.Errorf("xqueue: unsubscribe %s: %w", channel, err)
	}
	return nil
}

// handlersFor snapshots the handlers a delivery should reach.
func (q *Queue) handlersFor(channel, target string) []*Subscription {
	q.subsMu.RLock()
	defer q.subsMu.RUnlock()

	list := q.subs[channel]
	if target == "" {
		out := make([]*Subscription, len(list))
		copy(out, list)
		return out
	}
	for _, s := range list {
		if s.name == target {
			return []*Subscription{s}
		}
	}
	return nil
}
