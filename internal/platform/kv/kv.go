package kv

import (
	"context"
	"time"
)

// Entry is one key/value write with its own TTL.
type Entry struct {
	Key   string
	Value string
	TTL   time.Duration
}

// Store is the narrow key-value surface the rest of the service depends on.
// Implementations must make Get report absence without error and MGet return
// a nil slot per missing key, so callers can treat cold state as empty.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetAll writes every entry in one round-trip. Atomicity across keys is
	// not guaranteed and callers must not rely on it.
	SetAll(ctx context.Context, entries []Entry) error
	Del(ctx context.Context, keys ...string) error
	MGet(ctx context.Context, keys ...string) ([]*string, error)
	Ping(ctx context.Context) error
	Close() error
}
