// Package cache provides a small TTL cache used for queue statistics and
// process-wide flags.
package cache

import (
	"context"
	"time"
)

// Cache stores string-keyed byte values with a TTL.
//
// A missing key is (nil, nil), not an error. Callers must treat an absent or
// unavailable cache as a miss and recompute, never as a hard failure.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
}
