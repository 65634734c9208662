// Package kv provides the key-value store used for cached result manifests.
// Backends (Valkey/Redis, in-memory) are interchangeable behind Store.
package kv

import (
	"context"
	"time"
)

// Store is a byte-valued cache. A zero ttl keeps the entry until it is
// deleted.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get fails with ErrNotFound for absent and expired keys.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete of an absent key succeeds.
	Delete(ctx context.Context, key string) error
	Close() error
}
