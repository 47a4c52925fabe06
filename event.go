package xqueue

import (
	"time"
)

// EventType enumerates internal lifecycle events for Observer pattern.
type EventType string

const (
	Published      EventType = "published"
	PublishFailed  EventType = "publish_failed"
	Delivered      EventType = "delivered"
	DeliveryFailed EventType = "delivery_failed"
	RetryScheduled EventType = "retry_scheduled"
	Retried        EventType = "retried"
	DeadLettered   EventType = "dead_lettered"
	Dropped        EventType = "dropped"
	Error          EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type      EventType
	Channel   string
	Handler   string
	MessageID string
	Attempt   int
	Delay     time.Duration // retry backoff, RetryScheduled only
	Duration  time.Duration // handler run time
	Err       error

	// Internal: attached for async dispatch
	observers []Observer
}
