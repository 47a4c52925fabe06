package xqueue

import (
	"errors"
	"sync"
)

// TransportFactory constructs transports from a config blob.
type TransportFactory func(cfg map[string]any) (Transport, error)

// StoreFactory constructs key-value stores from a config blob.
type StoreFactory func(cfg map[string]any) (Store, error)

var (
	transportRegistryMu sync.RWMutex
	transportRegistry   = map[string]TransportFactory{}

	storeRegistryMu sync.RWMutex
	storeRegistry   = map[string]StoreFactory{}
)

// RegisterTransport registers a pub/sub backend adapter.
func RegisterTransport(name string, factory TransportFactory) error {
	if name == "" {
		return errors.New("transport name must not be empty")
	}
	if factory == nil {
		return errors.New("transport factory must not be nil")
	}
	transportRegistryMu.Lock()
	transportRegistry[name] = factory
	transportRegistryMu.Unlock()
	return nil
}

// NewTransport constructs a transport by name with config.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	transportRegistryMu.RLock()
	f, ok := transportRegistry[name]
	transportRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownTransport{name: name}
	}
	return f(cfg)
}

// RegisterStore registers a key-value backend adapter.
func RegisterStore(name string, factory StoreFactory) error {
	if name == "" {
		return errors.New("store name must not be empty")
	}
	if factory == nil {
		return errors.New("store factory must not be nil")
	}
	storeRegistryMu.Lock()
	storeRegistry[name] = factory
	storeRegistryMu.Unlock()
	return nil
}

// NewStore constructs a store by name with config.
func NewStore(name string, cfg map[string]any) (Store, error) {
	storeRegistryMu.RLock()
	f, ok := storeRegistry[name]
	storeRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownStore{name: name}
	}
	return f(cfg)
}
