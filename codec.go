package xqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// JSONCodec is the default JSON implementation.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// CodecFactory constructs codecs via Factory pattern.
type CodecFactory func() Codec

var (
	codecRegistryMu sync.RWMutex
	codecRegistry   = map[string]CodecFactory{
		"json": func() Codec { return JSONCodec{} },
	}
)

// RegisterCodec registers a codec factory by name.
func RegisterCodec(name string, factory CodecFactory) error {
	if name == "" {
		return errors.New("codec name must not be empty")
	}
	if factory == nil {
		return errors.New("codec factory must not be nil")
	}
	codecRegistryMu.Lock()
	codecRegistry[name] = factory
	codecRegistryMu.Unlock()
	return nil
}

// NewCodec constructs a codec by name or returns an error.
func NewCodec(name string) (Codec, error) {
	codecRegistryMu.RLock()
	f, ok := codecRegistry[name]
	codecRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("codec %q not registered", name)
	}
	return f(), nil
}

// Decode unmarshals a handler payload into T with the JSON codec. Handlers of
// a queue built with another codec use DecodeContext.
func Decode[T any](payload []byte) (T, error) {
	return decodeWith[T](JSONCodec{}, payload)
}

// DecodeContext unmarshals a handler payload into T with the codec the queue
// published it with, falling back to JSON outside a delivery.
func DecodeContext[T any](ctx context.Context, payload []byte) (T, error) {
	c, ok := CodecFromContext(ctx)
	if !ok {
		c = JSONCodec{}
	}
	return decodeWith[T](c, payload)
}

func decodeWith[T any](c Codec, payload []byte) (T, error) {
	var v T
	if err := c.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("xqueue: decode %s payload: %w", c.Name(), err)
	}
	return v, nil
}
