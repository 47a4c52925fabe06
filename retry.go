package xqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	retryPrefix      = "retry:"
	retryClaimPrefix = "retryclaim:"
	retryOwnerPrefix = "retryowner:"
)

// RetryKey returns the store key of a durable retry record.
func RetryKey(channel, id, handler string) string {
	return retryPrefix + channel + ":" + id + ":" + handler
}

// RetryOwnerKey returns the lease key a live queue refreshes while it owns
// retry records.
func RetryOwnerKey(owner string) string {
	return retryOwnerPrefix + owner
}

// retryRecord is persisted while a retry waits for its backoff to elapse.
// Owner is the instance id of the queue whose timer is armed for it.
type retryRecord struct {
	Envelope *Envelope `json:"envelope"`
	DueAt    time.Time `json:"dueAt"`
	Cause    string    `json:"cause,omitempty"`
	Owner    string    `json:"owner,omitempty"`
}

// retrier owns pending retry timers. Timers are in-process; with durable
// records enabled, a queue whose owner lease lapsed has its records resumed
// by the next queue that runs recover on the same store.
type retrier struct {
	q *Queue

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newRetrier(q *Queue) *retrier {
	return &retrier{q: q, timers: make(map[string]*time.Timer)}
}

// schedule arranges for env to be republished to its handler after delay.
func (r *retrier) schedule(ctx context.Context, env *Envelope, delay time.Duration, cause error) {
	q := r.q
	key := RetryKey(env.Channel, env.ID, env.Handler)

	if q.cfg.DurableRetries {
		rec := retryRecord{Envelope: env, DueAt: q.clock.Now().Add(delay), Cause: cause.Error(), Owner: q.instance}
		if err := r.persist(ctx, key, rec, delay); err != nil {
			q.logger.Warn().Err(err).Str("key", key).Msg("xqueue: retry record not persisted")
			q.emit(Event{Type: Error, Channel: env.Channel, Handler: env.Handler, MessageID: env.ID, Attempt: env.Attempts, Err: err})
		}
	}

	q.emit(Event{
		Type:      RetryScheduled,
		Channel:   env.Channel,
		Handler:   env.Handler,
		MessageID: env.ID,
		Attempt:   env.Attempts,
		Delay:     delay,
		Err:       cause,
	})
	r.arm(key, env, delay, cause)
}

func (r *retrier) persist(ctx context.Context, key string, rec retryRecord, delay time.Duration) error {
	raw, err := r.q.codec.Marshal(rec)
	if err != nil {
		return err
	}
	return r.q.store.Set(ctx, key, raw, delay+r.q.cfg.RetryRecordGrace)
}

func (r *retrier) arm(key string, env *Envelope, delay time.Duration, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.timers[key]; ok {
		prev.Stop()
	}
	r.timers[key] = time.AfterFunc(delay, func() { r.fire(key, env, cause) })
}

// fire republishes the envelope; a failed republish dead-letters it.
func (r *retrier) fire(key string, env *Envelope, cause error) {
	q := r.q

	r.mu.Lock()
	delete(r.timers, key)
	r.mu.Unlock()

	if q.closed.Load() {
		return
	}
	ctx := q.baseCtx

	if err := q.publishEnvelope(ctx, env); err != nil {
		q.logger.Warn().
			Err(err).
			Str("channel", env.Channel).
			Str("message_id", env.ID).
			Msg("xqueue: retry republish failed")
		q.deadLetters.Move(ctx, env, env.Handler, fmt.Errorf("republish retry: %w (last handler error: %v)", err, cause))
	} else {
		q.stats.retried.Add(1)
		q.emit(Event{
			Type:      Retried,
			Channel:   env.Channel,
			Handler:   env.Handler,
			MessageID: env.ID,
			Attempt:   env.Attempts,
		})
	}

	if q.cfg.DurableRetries {
		if err := q.store.Del(ctx, key); err != nil {
			q.logger.Warn().Err(err).Str("key", key).Msg("xqueue: retry record not deleted")
		}
	}
}

// recover re-arms retries whose owner is gone: records of a stopped or
// crashed queue, or written without an owner. A record is taken over only
// after winning its claim key, so concurrent queues never both arm it.
// Overdue retries fire immediately. It returns the number resumed.
func (r *retrier) recover(ctx context.Context) (int, error) {
	q := r.q
	keys, err := q.store.Keys(ctx, retryPrefix+"*", 0)
	if err != nil {
		return 0, fmt.Errorf("xqueue: scan retry records: %w", err)
	}

	now := q.clock.Now()
	alive := map[string]bool{q.instance: true}
	resumed := 0
	for _, key := range keys {
		raw, err := q.store.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				q.logger.Warn().Err(err).Str("key", key).Msg("xqueue: retry record unreadable")
			}
			continue
		}
		var rec retryRecord
		if err := q.codec.Unmarshal(raw, &rec); err != nil || rec.Envelope == nil {
			q.logger.Warn().Str("key", key).Msg("xqueue: malformed retry record dropped")
			_ = q.store.Del(ctx, key)
			continue
		}

		if rec.Owner != "" {
			live, seen := alive[rec.Owner]
			if !seen {
				live = r.ownerAlive(ctx, rec.Owner)
				alive[rec.Owner] = live
			}
			if live {
				continue
			}
		}

		won, err := q.store.SetNX(ctx, retryClaimPrefix+strings.TrimPrefix(key, retryPrefix), []byte(q.instance), q.cfg.RetryLeaseTTL)
		if err != nil {
			q.logger.Warn().Err(err).Str("key", key).Msg("xqueue: retry record claim failed")
			continue
		}
		if !won {
			continue
		}

		delay := max(rec.DueAt.Sub(now), 0)
		rec.Owner = q.instance
		if err := r.persist(ctx, key, rec, delay); err != nil {
			q.logger.Warn().Err(err).Str("key", key).Msg("xqueue: retry record not re-owned")
		}
		r.arm(key, rec.Envelope, delay, errors.New(rec.Cause))
		resumed++
	}
	return resumed, nil
}

// ownerAlive reports whether owner's lease is still in the store. Lookup
// errors count as alive so a flaky store never duplicates retries.
func (r *retrier) ownerAlive(ctx context.Context, owner string) bool {
	_, err := r.q.store.Get(ctx, RetryOwnerKey(owner))
	return !errors.Is(err, ErrNotFound)
}

// heartbeat writes this queue's owner lease.
func (r *retrier) heartbeat(ctx context.Context) error {
	q := r.q
	return q.store.Set(ctx, RetryOwnerKey(q.instance), []byte(q.instance), q.cfg.RetryLeaseTTL)
}

// maintain refreshes the owner lease three times per lease period and, once
// per period, resumes records left behind by queues whose lease lapsed.
func (r *retrier) maintain(ctx context.Context) {
	q := r.q
	ticker := time.NewTicker(max(q.cfg.RetryLeaseTTL/3, time.Millisecond))
	defer ticker.Stop()

	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.heartbeat(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn().Err(err).Msg("xqueue: retry lease not refreshed")
			}
			if n%3 != 0 {
				continue
			}
			if k, err := r.recover(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn().Err(err).Msg("xqueue: retry takeover failed")
			} else if k > 0 {
				q.logger.Info().Str("resumed", fmt.Sprint(k)).Msg("xqueue: orphaned retries resumed")
			}
		}
	}
}

// release drops the owner lease so other queues can resume the records
// left in the store right away.
func (r *retrier) release(ctx context.Context) error {
	return r.q.store.Del(ctx, RetryOwnerKey(r.q.instance))
}

// pending returns the number of armed retry timers.
func (r *retrier) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// stop cancels all pending timers. Durable records stay for the next process.
func (r *retrier) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, t := range r.timers {
		t.Stop()
		delete(r.timers, k)
	}
}
