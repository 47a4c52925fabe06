package xqueue

import (
	"errors"
	"fmt"
)

var (
	ErrQueueClosed       = errors.New("xqueue: queue is closed")
	ErrNotInitialized    = errors.New("xqueue: queue is not initialized")
	ErrInvalidChannel    = errors.New("xqueue: channel must not be empty")
	ErrInvalidHandler    = errors.New("xqueue: handler must not be nil")
	ErrInvalidMaxRetries = errors.New("xqueue: max retries must be positive")
	ErrDuplicateHandler  = errors.New("xqueue: handler name already registered on channel")
	ErrNotSubscribed     = errors.New("xqueue: no matching subscription")
	ErrNotAcknowledged   = errors.New("xqueue: handler returned without acknowledging")
	ErrHandlerPanic      = errors.New("xqueue: handler panic")
	ErrNotFound          = errors.New("xqueue: key not found")

	ErrNoTransportConfigured       = errors.New("xqueue: no transport configured")
	ErrNoStoreConfigured           = errors.New("xqueue: no store configured")
	ErrObserverPoolShutdownTimeout = errors.New("xqueue: observer pool shutdown timeout")
)

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

type ErrUnknownStore struct{ name string }

func (e ErrUnknownStore) Error() string { return fmt.Sprintf("unknown store: %s", e.name) }
