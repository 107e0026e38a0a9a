package store

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get when a key does not exist.
var ErrNotFound = errors.New("key not found")

// KeyValueStore is the observation metadata store shared with the backends.
type KeyValueStore interface {
	Set(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, error)
	// ReplaceList drops any list at key and stores values in order.
	ReplaceList(ctx context.Context, key string, values []string) error
	GetList(ctx context.Context, key string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Delete is never called on product keys; they outlive deconfigure for
	// the backends to read.
	Delete(ctx context.Context, keys ...string) error
}

// AlertBus broadcasts lifecycle alerts to downstream processing backends.
type AlertBus interface {
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription delivers messages published on one channel until closed.
type Subscription interface {
	Messages() <-chan string
	Close() error
}

// Store is a backend providing both the key/value store and the alert bus.
type Store interface {
	KeyValueStore
	AlertBus
	Ping(ctx context.Context) error
	Close() error
}
