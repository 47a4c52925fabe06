package xqueue

import (
	"context"
	"fmt"
	"sync"
)

// onMessage returns the transport callback for channel.
func (q *Queue) onMessage(channel string) func(ctx context.Context, payload []byte) {
	return func(ctx context.Context, payload []byte) {
		q.dispatch(ctx, channel, payload)
	}
}

// dispatch handles one raw transport delivery. Nothing escapes it: handler
// errors become retries or dead letters, undecodable payloads count as failed.
func (q *Queue) dispatch(ctx context.Context, channel string, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Str("channel", channel).Msg(fmt.Sprintf("xqueue: dispatch panic (recovered): %v", r))
		}
	}()

	var env Envelope
	if err := q.codec.Unmarshal(raw, &env); err != nil || env.ID == "" {
		if err == nil {
			err = fmt.Errorf("envelope without id")
		}
		q.stats.failed.Add(1)
		q.logger.Warn().Err(err).Str("channel", channel).Msg("xqueue: undecodable message dropped")
		q.emit(Event{Type: Dropped, Channel: channel, Err: err})
		return
	}
	if env.Channel == "" {
		env.Channel = channel
	}

	subs := q.handlersFor(channel, env.Handler)
	if len(subs) == 0 {
		q.logger.Debug().
			Str("channel", channel).
			Str("message_id", env.ID).
			Str("handler", env.Handler).
			Msg("xqueue: no handler for message")
		return
	}

	if len(subs) == 1 {
		q.deliver(ctx, subs[0], env.clone())
		return
	}

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *Subscription, env *Envelope) {
			defer wg.Done()
			q.deliver(ctx, s, env)
		}(s, env.clone())
	}
	wg.Wait()
}

// deliver runs one handler attempt on its own copy of the envelope.
func (q *Queue) deliver(ctx context.Context, s *Subscription, env *Envelope) {
	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			q.logger.Warn().Err(err).Str("handler", s.name).Str("message_id", env.ID).Msg("xqueue: delivery abandoned")
			return
		}
		defer s.sem.Release(1)
	}

	env.Handler = s.name
	env.Attempts++
	now := q.clock.Now()
	env.LastAttempt = &now

	hctx := injectEnvelope(ctx, env)
	hctx = injectLogger(hctx, q.logger)
	hctx = injectClock(hctx, q.clock)
	hctx = injectCodec(hctx, q.codec)

	start := q.clock.Now()
	err := s.handler.Handle(hctx, env.Data)
	duration := q.clock.Since(start)

	if err == nil {
		q.stats.recordSuccess(duration)
		q.emit(Event{
			Type:      Delivered,
			Channel:   env.Channel,
			Handler:   s.name,
			MessageID: env.ID,
			Attempt:   env.Attempts,
			Duration:  duration,
		})
		return
	}

	q.emit(Event{
		Type:      DeliveryFailed,
		Channel:   env.Channel,
		Handler:   s.name,
		MessageID: env.ID,
		Attempt:   env.Attempts,
		Duration:  duration,
		Err:       err,
	})

	if env.Attempts < env.maxRetries(q.cfg.MaxRetries) {
		q.retries.schedule(ctx, env, q.cfg.Backoff(env.Attempts), err)
		return
	}
	q.deadLetters.Move(ctx, env, s.name, err)
}
