package relaycore

import (
	"context"
	"time"
)

// Store is the network key-value store holding all cross-process
// coordination state. A zero ttl means the key does not expire.
//
// Implementations return ErrNotFound for missing keys and wrap backend
// failures with ErrStoreUnavailable.
type Store interface {
	// Get returns the value stored at key.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value at key unconditionally.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// SetNX stores value only if key is absent. Returns true if stored.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete removes key only if it currently holds expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// CompareAndSwap replaces the value at key with value only if it
	// currently holds expected.
	CompareAndSwap(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error)

	// Expire resets the ttl of an existing key. Returns false if absent.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// IncrBy atomically adds delta to the integer at key, creating it at
	// zero first. ttl is applied only when the key is created.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
}
