// Package counterstore is the key-value layer every entitlement component is
// built on. All operations are atomic per key; there are no cross-key
// transactions.
package counterstore

import (
	"context"
	"time"
)

const (
	// NoExpiry is returned by TTL for a key that exists without an expiry.
	NoExpiry = -1 * time.Second
	// KeyMissing is returned by TTL for a key that does not exist.
	KeyMissing = -2 * time.Second
)

type Store interface {
	// Get returns ok=false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set stores value; a zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetIfAbsent stores value only when key does not exist and reports whether it did.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	ListAppend(ctx context.Context, listKey, value string) error
	ListRange(ctx context.Context, listKey string, start, stop int64) ([]string, error)
	ListRemove(ctx context.Context, listKey, value string) error
	// Delete reports whether the key existed.
	Delete(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) error
}
