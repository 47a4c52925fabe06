package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xqueue"
)

// fieldEnvelope holds the encoded envelope; raw bytes, no base64.
const fieldEnvelope = "envelope"

var errClosed = errors.New("redis-streams transport is closed")

// Transport implements xqueue.Transport with one Redis stream per channel,
// read through a consumer group. Entries are acknowledged once the queue's
// callback returns, so a crash mid-delivery leaves them pending for the
// claim loop of another consumer.
type Transport struct {
	cfg    Config
	client *redis.Client

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu   sync.Mutex
	subs map[string]context.CancelFunc

	closed atomic.Bool

	// metrics for observability
	metrics transportMetrics
}

// transportMetrics tracks performance telemetry
type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	claimed       atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

var _ xqueue.Transport = (*Transport)(nil)
var _ xqueue.Pinger = (*Transport)(nil)

// NewTransport connects a client for cfg. It does not dial; the queue's
// Initialize pings.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}
	return NewTransportWithClient(redis.NewClient(opts), cfg), nil
}

// NewTransportWithClient uses an existing client; Close closes it.
func NewTransportWithClient(client *redis.Client, cfg Config) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:     cfg,
		client:  client,
		baseCtx: ctx,
		cancel:  cancel,
		subs:    make(map[string]context.CancelFunc),
	}
}

// Publish appends the envelope to the channel's stream with XADD.
func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	if t.closed.Load() {
		return errClosed
	}
	args := &redis.XAddArgs{
		Stream: channel,
		ID:     "*",
		Values: map[string]any{fieldEnvelope: payload},
	}
	// Approximate trimming to keep stream bounded
	if t.cfg.MaxLenApprox > 0 {
		args.MaxLen = t.cfg.MaxLenApprox
		args.Approx = true
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		t.metrics.publishErrors.Add(1)
		return err
	}
	t.metrics.published.Add(1)
	return nil
}

type entry struct {
	id      string
	payload []byte
}

// Subscribe creates the consumer group if needed and starts the poller,
// the workers and, when configured, the claim loop.
func (t *Transport) Subscribe(ctx context.Context, channel string, handler func(ctx context.Context, payload []byte)) error {
	if t.closed.Load() {
		return errClosed
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[channel]; ok {
		return fmt.Errorf("redis-streams: channel %q already subscribed", channel)
	}

	if err := t.client.XGroupCreateMkStream(ctx, channel, t.cfg.Group, t.cfg.StartID).Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis-streams: create group %s/%s: %w", channel, t.cfg.Group, err)
	}

	innerCtx, cancel := context.WithCancel(t.baseCtx)
	t.subs[channel] = cancel

	// Buffered work channel (buffer = 2x workers for burst absorption)
	workCh := make(chan entry, t.cfg.Concurrency*2)

	var workers sync.WaitGroup
	for i := 0; i < t.cfg.Concurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for e := range workCh {
				t.metrics.consumed.Add(1)
				handler(innerCtx, e.payload)
				t.ack(channel, e.id)
			}
		}()
	}

	var producers sync.WaitGroup
	producers.Add(1)
	go func() {
		defer producers.Done()
		t.pollerLoop(innerCtx, channel, workCh)
	}()
	if t.cfg.ClaimMinIdle > 0 && t.cfg.ClaimInterval > 0 {
		producers.Add(1)
		go func() {
			defer producers.Done()
			t.claimLoop(innerCtx, channel, workCh)
		}()
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		producers.Wait()
		close(workCh) // Signal workers to exit
		workers.Wait()
	}()
	return nil
}

// ack runs detached from the subscription context so an entry handled during
// shutdown is still acknowledged.
func (t *Transport) ack(channel, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := t.client.XAck(ctx, channel, t.cfg.Group, id).Err(); err != nil {
		t.metrics.consumeErrors.Add(1)
		return
	}
	t.metrics.acked.Add(1)
	// Optionally delete from stream after ack (saves memory)
	if t.cfg.AutoDeleteOnAck {
		_ = t.client.XDel(ctx, channel, id).Err()
	}
}

// pollerLoop reads from Redis Streams and distributes entries to workers.
func (t *Transport) pollerLoop(ctx context.Context, channel string, workCh chan<- entry) {
	xArgs := &redis.XReadGroupArgs{
		Group:    t.cfg.Group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{channel, ">"},
		Count:    int64(max(1, t.cfg.BatchSize)),
		Block:    t.cfg.Block,
	}

	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		res, err := t.client.XReadGroup(ctx, xArgs).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				// Block timeout (expected), continue polling
				backoff = 100 * time.Millisecond
				continue
			}

			// Transient error: exponential backoff
			t.metrics.consumeErrors.Add(1)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = 100 * time.Millisecond

		for _, stream := range res {
			if !t.dispatch(ctx, stream.Messages, workCh) {
				return
			}
		}
	}
}

// claimLoop periodically claims entries left pending by dead consumers and
// processes them here.
func (t *Transport) claimLoop(ctx context.Context, channel string, workCh chan<- entry) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Pending entries not acked and idle longer than ClaimMinIdle
		pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: channel,
			Group:  t.cfg.Group,
			Start:  "-",
			End:    "+",
			Count:  int64(max(1, t.cfg.ClaimBatch)),
			Idle:   t.cfg.ClaimMinIdle,
		}).Result()
		if err != nil || len(pending) == 0 {
			continue
		}

		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			ids = append(ids, p.ID)
		}
		msgs, err := t.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   channel,
			Group:    t.cfg.Group,
			Consumer: t.cfg.Consumer,
			MinIdle:  t.cfg.ClaimMinIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			t.metrics.consumeErrors.Add(1)
			continue
		}
		t.metrics.claimed.Add(uint64(len(msgs)))
		if !t.dispatch(ctx, msgs, workCh) {
			return
		}
	}
}

// dispatch hands entries to the workers; false when ctx ended first.
func (t *Transport) dispatch(ctx context.Context, msgs []redis.XMessage, workCh chan<- entry) bool {
	for _, msg := range msgs {
		e := entry{id: msg.ID, payload: asBytes(msg.Values[fieldEnvelope])}
		select {
		case workCh <- e:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// Unsubscribe stops polling the channel. The group and its pending entries
// stay in Redis.
func (t *Transport) Unsubscribe(_ context.Context, channel string) error {
	t.mu.Lock()
	cancel, ok := t.subs[channel]
	delete(t.subs, channel)
	t.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (t *Transport) Ping(ctx context.Context) error {
	if t.closed.Load() {
		return errClosed
	}
	res, err := t.client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	if !strings.EqualFold(res, "PONG") {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}

// Close stops every subscription, waits for in-flight handlers until ctx is
// done and closes the client.
func (t *Transport) Close(ctx context.Context) error {
	if t.closed.Swap(true) {
		return nil // Already closed
	}
	t.cancel()

	t.mu.Lock()
	t.subs = make(map[string]context.CancelFunc)
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	var errs error
	select {
	case <-done:
	case <-ctx.Done():
		errs = ctx.Err()
	}
	return errors.Join(errs, t.client.Close())
}

// Stats is transport telemetry.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Claimed       uint64
	PublishErrors uint64
	ConsumeErrors uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Acked:         t.metrics.acked.Load(),
		Claimed:       t.metrics.claimed.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
		ConsumeErrors: t.metrics.consumeErrors.Load(),
	}
}

func asBytes(v any) []byte {
	switch s := v.(type) {
	case string:
		return []byte(s)
	case []byte:
		return s
	default:
		return nil
	}
}
