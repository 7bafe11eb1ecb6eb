package labsync

import (
	"strings"
	"sync"
)

type StorageFactory func(dsn string) (*Storage, error)

var storageFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StorageFactory
}{
	factories: map[string]StorageFactory{},
}

// RegisterStorageFactory makes a substrate available to OpenStorage under scheme.
// Registered factories take precedence over the built-in schemes.
func RegisterStorageFactory(scheme string, factory StorageFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storageFactoryRegistry.mu.Lock()
	defer storageFactoryRegistry.mu.Unlock()
	storageFactoryRegistry.factories[scheme] = factory
}

func lookupStorageFactory(scheme string) (StorageFactory, bool) {
	scheme = normalizeScheme(scheme)
	storageFactoryRegistry.mu.RLock()
	defer storageFactoryRegistry.mu.RUnlock()
	factory, ok := storageFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
