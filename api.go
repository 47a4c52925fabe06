package xqueue

import (
	"context"
	"time"
)

// Handler consumes the payload of one delivery. Returning an error schedules a
// retry or, once retries are exhausted, moves the envelope to the dead-letter store.
type Handler interface {
	Handle(ctx context.Context, payload []byte) error
}

// HandlerFunc is an Adapter that lets a plain function satisfy Handler.
type HandlerFunc func(ctx context.Context, payload []byte) error

func (f HandlerFunc) Handle(ctx context.Context, payload []byte) error { return f(ctx, payload) }

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Transport is the Strategy interface for the pub/sub primitive. Delivery is at
// most once; the queue layers retries and dead-lettering on top.
type Transport interface {
	// Publish hands an encoded envelope to every active subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe starts delivering channel messages to handler until Unsubscribe
	// or Close; ctx bounds the registration call only. The queue holds one
	// transport subscription per channel and multiplexes its own handlers.
	Subscribe(ctx context.Context, channel string, handler func(ctx context.Context, payload []byte)) error
	// Unsubscribe stops delivery for channel.
	Unsubscribe(ctx context.Context, channel string) error
	Close(ctx context.Context) error
}

// Store is the key-value collaborator used for dead letters, retry records and
// statistics snapshots. Get returns ErrNotFound for missing keys.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes value only when key is absent or expired and reports
	// whether it did. Queues sharing a store claim retry records with it.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Keys returns up to limit keys matching a glob pattern (limit <= 0: no limit).
	Keys(ctx context.Context, pattern string, limit int) ([]string, error)
	Close(ctx context.Context) error
}

// Pinger is implemented by collaborators that can verify connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Codec is the Strategy for encoding envelopes and their payloads on the
// wire. The payload is embedded in the envelope's data field, so Marshal must
// produce a JSON value.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Observer receives queue lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API represents the complete xqueue surface.
type API interface {
	Initialize(ctx context.Context) error
	Publish(ctx context.Context, channel string, payload any, opts ...PublishOption) (string, error)
	Subscribe(ctx context.Context, channel string, handler Handler, opts ...SubscribeOption) (*Subscription, error)
	Unsubscribe(ctx context.Context, channel, name string) error
	GetStats(ctx context.Context) (StatsSnapshot, error)
	GetDeadLetterMessages(ctx context.Context, channel string, limit int) ([]DeadLetterEntry, error)
	RetryDeadLetterMessage(ctx context.Context, messageID, channel string) (bool, error)
	Close(ctx context.Context) error
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var _ API = (*Queue)(nil)
var _ HealthChecker = (*Queue)(nil)
