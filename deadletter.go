package xqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

const (
	// DeadLetterChannel receives a notification envelope for every dead letter.
	DeadLetterChannel = "deadletter.message"

	deadLetterPrefix = "deadletter:"
	defaultListLimit = 100
)

// DeadLetterKey returns the store key of a dead-lettered message.
func DeadLetterKey(channel, id string) string {
	return deadLetterPrefix + channel + ":" + id
}

// DeadLetters quarantines envelopes that exhausted their retries. Entries are
// keyed per message; handlers failing the same message merge into one entry.
type DeadLetters struct {
	store   Store
	codec   Codec
	clock   xclock.Clock
	logger  *xlog.Logger
	stats   *Stats
	ttl     time.Duration
	notify  bool
	publish func(ctx context.Context, env *Envelope) error
	emit    func(e Event)

	// serializes the read-merge-write of entries within this process
	mu sync.Mutex
}

// Move records env as dead for handler. Persistence failures are logged,
// reported as an Error event and not retried; the counters move either way.
func (d *DeadLetters) Move(ctx context.Context, env *Envelope, handler string, cause error) {
	if cause == nil {
		cause = errors.New("unknown failure")
	}

	entry := DeadLetterEntry{
		Envelope:   *env.clone(),
		Error:      cause.Error(),
		ErrorStack: errorStack(cause),
		DeadAt:     d.clock.Now(),
	}
	entry.Handler = ""
	if handler != "" {
		entry.Handlers = []string{handler}
	}

	key := DeadLetterKey(env.Channel, env.ID)

	d.mu.Lock()
	if prev, err := d.get(ctx, key); err == nil {
		entry.Handlers = mergeHandlers(prev.Handlers, entry.Handlers)
		if prev.Attempts > entry.Attempts {
			entry.Attempts = prev.Attempts
		}
	}
	raw, err := d.codec.Marshal(entry)
	if err == nil {
		err = d.store.Set(ctx, key, raw, d.ttl)
	}
	d.mu.Unlock()

	if err != nil {
		d.logger.Error().
			Err(err).
			Str("channel", env.Channel).
			Str("message_id", env.ID).
			Msg("xqueue: dead letter not persisted")
		d.emit(Event{Type: Error, Channel: env.Channel, Handler: handler, MessageID: env.ID, Attempt: env.Attempts, Err: err})
	}

	d.stats.recordDead()
	d.emit(Event{
		Type:      DeadLettered,
		Channel:   env.Channel,
		Handler:   handler,
		MessageID: env.ID,
		Attempt:   env.Attempts,
		Err:       cause,
	})

	if !d.notify || env.Channel == DeadLetterChannel {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	note := NewEnvelope(DeadLetterChannel, data, 0, d.clock.Now())
	if err := d.publish(ctx, note); err != nil {
		d.logger.Warn().Err(err).Str("message_id", env.ID).Msg("xqueue: dead letter notification failed")
	}
}

// List returns up to limit entries, optionally restricted to channel.
// Malformed or vanished entries are skipped.
func (d *DeadLetters) List(ctx context.Context, channel string, limit int) ([]DeadLetterEntry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if channel == "" {
		channel = "*"
	}

	keys, err := d.store.Keys(ctx, DeadLetterKey(channel, "*"), limit)
	if err != nil {
		return nil, fmt.Errorf("xqueue: list dead letters: %w", err)
	}

	out := make([]DeadLetterEntry, 0, len(keys))
	for _, k := range keys {
		entry, err := d.get(ctx, k)
		if err != nil {
			continue
		}
		out = append(out, entry)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Count returns the number of entries, optionally restricted to channel.
func (d *DeadLetters) Count(ctx context.Context, channel string) (int, error) {
	if channel == "" {
		channel = "*"
	}
	keys, err := d.store.Keys(ctx, DeadLetterKey(channel, "*"), 0)
	if err != nil {
		return 0, fmt.Errorf("xqueue: count dead letters: %w", err)
	}
	return len(keys), nil
}

// Get fetches one entry; ErrNotFound when it does not exist.
func (d *DeadLetters) Get(ctx context.Context, channel, id string) (DeadLetterEntry, error) {
	return d.get(ctx, DeadLetterKey(channel, id))
}

// Delete drops an entry without replaying it.
func (d *DeadLetters) Delete(ctx context.Context, channel, id string) error {
	return d.store.Del(ctx, DeadLetterKey(channel, id))
}

// Replay republishes a dead letter with attempts reset to zero, addressed to
// the handlers that gave up on it, and deletes the entry once every republish
// succeeded. It reports false when the entry does not exist. On a publish
// error the entry is narrowed to the handlers not yet republished, so a
// second Replay does not deliver twice to the others.
func (d *DeadLetters) Replay(ctx context.Context, channel, id string) (bool, error) {
	key := DeadLetterKey(channel, id)
	entry, err := d.get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("xqueue: replay %s: %w", key, err)
	}

	targets := entry.Handlers
	if len(targets) == 0 {
		targets = []string{""}
	}
	for i, h := range targets {
		env := entry.Envelope.clone()
		env.Attempts = 0
		env.LastAttempt = nil
		env.Handler = h
		if err := d.publish(ctx, env); err != nil {
			if i > 0 {
				d.narrow(ctx, key, entry, targets[i:])
			}
			return false, fmt.Errorf("xqueue: replay %s: %w", key, err)
		}
	}

	if err := d.store.Del(ctx, key); err != nil {
		d.logger.Warn().Err(err).Str("key", key).Msg("xqueue: replayed dead letter not deleted")
	}
	d.logger.Info().Str("channel", channel).Str("message_id", id).Msg("xqueue: dead letter replayed")
	return true, nil
}

// narrow rewrites entry so it only names the handlers in pending.
func (d *DeadLetters) narrow(ctx context.Context, key string, entry DeadLetterEntry, pending []string) {
	entry.Handlers = append([]string(nil), pending...)
	raw, err := d.codec.Marshal(entry)
	if err == nil {
		d.mu.Lock()
		err = d.store.Set(ctx, key, raw, d.ttl)
		d.mu.Unlock()
	}
	if err != nil {
		d.logger.Warn().Err(err).Str("key", key).Msg("xqueue: partially replayed dead letter not updated")
		d.emit(Event{Type: Error, Channel: entry.Channel, MessageID: entry.ID, Err: err})
	}
}

func (d *DeadLetters) get(ctx context.Context, key string) (DeadLetterEntry, error) {
	var entry DeadLetterEntry
	raw, err := d.store.Get(ctx, key)
	if err != nil {
		return entry, err
	}
	if err := d.codec.Unmarshal(raw, &entry); err != nil {
		return entry, fmt.Errorf("xqueue: malformed dead letter %s: %w", key, err)
	}
	return entry, nil
}

func mergeHandlers(prev, next []string) []string {
	out := append([]string(nil), prev...)
	for _, h := range next {
		found := false
		for _, p := range out {
			if p == h {
				found = true
				break
			}
		}
		if !found {
			out = append(out, h)
		}
	}
	return out
}

// errorStack renders the wrap chain of err, outermost first.
func errorStack(err error) string {
	var lines []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		lines = append(lines, fmt.Sprintf("%T: %v", e, e))
	}
	return strings.Join(lines, "\n")
}
