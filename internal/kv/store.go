package kv

import (
	"context"
	"time"
)

// Store abstracts the key-value backend used for cache entries, rate
// windows, dedup tokens, and short-lived dashboard summaries. Keys are
// opaque strings; callers own their structure (e.g. "cache:{path}:{hash}",
// "rate:{ip}:{path}:{window}").
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value only if key does not exist. Returns true if stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Incr atomically increments the counter at key and returns the new
	// value. The ttl is applied when the counter is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteByPrefix removes all keys with the given prefix and returns
	// how many were removed.
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)

	// Keys lists all keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// PushCap prepends value to the list at key, trimming it to maxLen.
	PushCap(ctx context.Context, key string, value []byte, maxLen int64, ttl time.Duration) error

	// ListRange returns up to n most recent values from the list at key.
	ListRange(ctx context.Context, key string, n int64) ([][]byte, error)

	// Close releases backend resources.
	Close() error
}
