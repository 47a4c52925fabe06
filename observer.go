package xqueue

import (
	"strconv"

	"github.com/trickstertwo/xlog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits queue events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("channel", e.Channel),
		xlog.Str("handler", e.Handler),
		xlog.Str("message_id", e.MessageID),
		xlog.Str("attempt", strconv.Itoa(e.Attempt)),
	)
	switch e.Type {
	case DeadLettered, Error, PublishFailed:
		ev.Error().Err(e.Err).Msg("xqueue event")
	case DeliveryFailed, Dropped:
		ev.Warn().Err(e.Err).Msg("xqueue event")
	case RetryScheduled:
		ev.With(xlog.Dur("delay", e.Delay)).Info().Msg("xqueue event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("xqueue event")
	}
}
