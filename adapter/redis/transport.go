package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	goredis "github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xqueue"
)

// Name registers both the transport and the store.
const Name = "redis"

func init() {
	if err := xqueue.RegisterTransport(Name, func(cfg map[string]any) (xqueue.Transport, error) {
		c := ConfigFromMap(cfg)
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return NewTransport(NewClient(c), c, true), nil
	}); err != nil {
		panic(fmt.Errorf("xqueue: failed to register transport %q: %w", Name, err))
	}
	if err := xqueue.RegisterStore(Name, func(cfg map[string]any) (xqueue.Store, error) {
		c := ConfigFromMap(cfg)
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return NewStore(NewClient(c), c, true), nil
	}); err != nil {
		panic(fmt.Errorf("xqueue: failed to register store %q: %w", Name, err))
	}
}

var errClosed = errors.New("redis transport is closed")

// Transport implements xqueue.Transport over Redis PUBLISH/SUBSCRIBE. All
// channels share one PubSub connection; a reader goroutine routes messages
// to per-channel worker queues. A message for a channel whose queue is full
// is dropped and counted so a slow handler does not stall the others.
type Transport struct {
	cfg    Config
	client *goredis.Client
	owns   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	pubsub *goredis.PubSub
	topics map[string]*topic

	closed  atomic.Bool
	dropped atomic.Uint64
}

type topic struct {
	queue   chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	handler func(ctx context.Context, payload []byte)
}

var _ xqueue.Transport = (*Transport)(nil)
var _ xqueue.Pinger = (*Transport)(nil)

// NewTransport wraps client. With owns set, Close also closes the client.
func NewTransport(client *goredis.Client, cfg Config, owns bool) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = Defaults().BufferSize
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = Defaults().Concurrency
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:    cfg,
		client: client,
		owns:   owns,
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[string]*topic),
	}
}

func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	if t.closed.Load() {
		return errClosed
	}
	return t.client.Publish(ctx, channel, payload).Err()
}

func (t *Transport) Subscribe(ctx context.Context, channel string, handler func(ctx context.Context, payload []byte)) error {
	if t.closed.Load() {
		return errClosed
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.topics[channel]; ok {
		return fmt.Errorf("redis: channel %q already subscribed", channel)
	}

	if t.pubsub == nil {
		ps := t.client.Subscribe(ctx, channel)
		// Wait for the confirmation so publishes right after Subscribe are seen.
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return fmt.Errorf("redis: subscribe %s: %w", channel, err)
		}
		t.pubsub = ps
		t.wg.Add(1)
		go t.read(ps.Channel())
	} else if err := t.pubsub.Subscribe(ctx, channel); err != nil {
		return fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	tctx, cancel := context.WithCancel(t.ctx)
	top := &topic{
		queue:   make(chan []byte, t.cfg.BufferSize),
		ctx:     tctx,
		cancel:  cancel,
		handler: handler,
	}
	t.topics[channel] = top

	for i := 0; i < t.cfg.Concurrency; i++ {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.worker(top)
		}()
	}
	return nil
}

// read routes PubSub messages until the PubSub is closed.
func (t *Transport) read(msgs <-chan *goredis.Message) {
	defer t.wg.Done()
	for msg := range msgs {
		t.mu.Lock()
		top, ok := t.topics[msg.Channel]
		t.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case top.queue <- []byte(msg.Payload):
		default:
			t.dropped.Add(1)
		}
	}
}

// Dropped returns how many messages were discarded because the channel's
// queue was full.
func (t *Transport) Dropped() uint64 { return t.dropped.Load() }

func (t *Transport) worker(top *topic) {
	for {
		select {
		case <-top.ctx.Done():
			return
		case payload := <-top.queue:
			top.handler(top.ctx, payload)
		}
	}
}

func (t *Transport) Unsubscribe(ctx context.Context, channel string) error {
	t.mu.Lock()
	top, ok := t.topics[channel]
	delete(t.topics, channel)
	ps := t.pubsub
	t.mu.Unlock()

	if !ok {
		return nil
	}
	top.cancel()
	if ps != nil {
		if err := ps.Unsubscribe(ctx, channel); err != nil {
			return fmt.Errorf("redis: unsubscribe %s: %w", channel, err)
		}
	}
	return nil
}

func (t *Transport) Ping(ctx context.Context) error {
	if t.closed.Load() {
		return errClosed
	}
	return t.client.Ping(ctx).Err()
}

// Close stops the reader and the workers, then closes the client if owned.
func (t *Transport) Close(ctx context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	t.cancel()

	var errs error
	t.mu.Lock()
	if t.pubsub != nil {
		errs = errors.Join(errs, t.pubsub.Close())
	}
	t.topics = make(map[string]*topic)
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = errors.Join(errs, ctx.Err())
	}

	if t.owns {
		errs = errors.Join(errs, t.client.Close())
	}
	return errs
}
