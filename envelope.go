package xqueue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the unit of delivery traveling the transport.
type Envelope struct {
	// ID is generated at publish time and survives retries and replays.
	ID      string          `json:"id"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
	// Attempts counts handler invocations so far; it never decreases across retries.
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"createdAt"`
	LastAttempt *time.Time      `json:"lastAttempt"`
	Options     EnvelopeOptions `json:"options"`
	// Handler addresses a retry or replay to a single subscription; empty means all.
	Handler string `json:"handler,omitempty"`
}

// EnvelopeOptions carries the per-message retry policy.
type EnvelopeOptions struct {
	MaxRetries int `json:"maxRetries,omitempty"`
}

// NewEnvelope wraps an already encoded payload into a fresh envelope.
func NewEnvelope(channel string, data json.RawMessage, maxRetries int, now time.Time) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		Channel:   channel,
		Data:      data,
		CreatedAt: now,
		Options:   EnvelopeOptions{MaxRetries: maxRetries},
	}
}

// clone returns a copy safe to mutate from another goroutine.
func (e *Envelope) clone() *Envelope {
	c := *e
	if e.LastAttempt != nil {
		t := *e.LastAttempt
		c.LastAttempt = &t
	}
	return &c
}

// maxRetries resolves the per-message override against the queue default.
func (e *Envelope) maxRetries(def int) int {
	if e.Options.MaxRetries > 0 {
		return e.Options.MaxRetries
	}
	return def
}
