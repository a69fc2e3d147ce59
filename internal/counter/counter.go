// Package counter provides the ephemeral increment-with-expiry store
// backing the rate limiter. Counts here are disposable: losing them on a
// store restart only relaxes limiting for one window.
package counter

import (
	"context"
	"time"
)

// Store is an atomic counter with per-key expiry. Incr must return the
// post-increment value atomically across concurrent callers.
type Store interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Close() error
}
