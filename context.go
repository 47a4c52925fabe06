package xqueue

import (
	"context"
	"sync/atomic"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in xqueue (prevents collisions).
type ctxKey string

const (
	envelopeCtxKey ctxKey = "xqueue:envelope"
	loggerCtxKey   ctxKey = "xqueue:logger"
	clockCtxKey    ctxKey = "xqueue:clock"
	ackCtxKey      ctxKey = "xqueue:ack"
	codecCtxKey    ctxKey = "xqueue:codec"
)

// ackToken records an explicit acknowledgment for subscriptions without auto-ack.
type ackToken struct {
	acked atomic.Bool
}

func injectEnvelope(ctx context.Context, env *Envelope) context.Context {
	if env == nil {
		return ctx
	}
	return context.WithValue(ctx, envelopeCtxKey, *env)
}

// EnvelopeFromContext returns a copy of the envelope being handled.
func EnvelopeFromContext(ctx context.Context) (Envelope, bool) {
	env, ok := ctx.Value(envelopeCtxKey).(Envelope)
	return env, ok
}

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if v := ctx.Value(clockCtxKey); v != nil {
		if c, ok := v.(xclock.Clock); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

func injectCodec(ctx context.Context, c Codec) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, codecCtxKey, c)
}

// CodecFromContext returns the codec of the queue delivering under ctx.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	c, ok := ctx.Value(codecCtxKey).(Codec)
	return c, ok && c != nil
}

func injectAck(ctx context.Context, t *ackToken) context.Context {
	return context.WithValue(ctx, ackCtxKey, t)
}

// Ack acknowledges the delivery handled under ctx. Only subscriptions created
// with WithAutoAck(false) need it; it reports false outside a delivery.
func Ack(ctx context.Context) bool {
	t, ok := ctx.Value(ackCtxKey).(*ackToken)
	if !ok || t == nil {
		return false
	}
	t.acked.Store(true)
	return true
}
