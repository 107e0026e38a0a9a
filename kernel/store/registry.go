package store

import (
	"fmt"
	"sort"
	"sync"
)

// Factory creates a Store backend from connection options.
type Factory func(opts RedisOptions) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// RegisterStoreType registers a factory for a backend name.
// e.g. RegisterStoreType("redis", func(o RedisOptions) (Store, error) { return NewRedisStore(o), nil })
func RegisterStoreType(typeName string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[typeName]; dup {
		panic("RegisterStoreType called twice for " + typeName)
	}
	registry[typeName] = factory
}

// NewStore creates a backend by name.
func NewStore(typeName string, opts RedisOptions) (Store, error) {
	registryMu.RLock()
	factory, ok := registry[typeName]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("store type '%s' not found in registry", typeName)
	}
	return factory(opts)
}

// StoreTypes lists the registered backend names.
func StoreTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterStoreType("redis", func(opts RedisOptions) (Store, error) {
		return NewRedisStore(opts), nil
	})
	RegisterStoreType("memory", func(RedisOptions) (Store, error) {
		return NewMemoryStore(), nil
	})
}
