// Package ratelimit implements fixed-window rate limiting over a counter
// store. Requests are counted in 60-second buckets aligned to the minute;
// the bucket key embeds the window start so stale windows age out on their
// own TTL.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"anidex/internal/counter"
)

// Window is the fixed rate-limit window size.
const Window = 60 * time.Second

// FailMode decides what happens when the counter store is unreachable.
type FailMode int

const (
	// FailOpen serves traffic unmetered while the counter store is down.
	FailOpen FailMode = iota
	// FailClosed rejects all non-whitelisted traffic while the counter
	// store is down.
	FailClosed
)

// ParseFailMode maps the config value to a FailMode.
func ParseFailMode(s string) (FailMode, error) {
	switch s {
	case "open", "":
		return FailOpen, nil
	case "closed":
		return FailClosed, nil
	default:
		return FailOpen, fmt.Errorf("unknown fail mode: %q", s)
	}
}

// Limiter enforces a per-key fixed-window limit.
type Limiter struct {
	store    counter.Store
	failMode FailMode
	logger   *slog.Logger
	now      func() time.Time
}

func NewLimiter(store counter.Store, failMode FailMode, logger *slog.Logger) *Limiter {
	return &Limiter{
		store:    store,
		failMode: failMode,
		logger:   logger.With("component", "ratelimit"),
		now:      time.Now,
	}
}

// Allow counts one request against apiKey's current window and reports
// whether it stays within limit. The window TTL is set only on the
// increment that creates the counter, so later hits in the same window
// never push the expiry out.
func (l *Limiter) Allow(ctx context.Context, apiKey string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}

	now := l.now().Unix()
	windowStart := now - (now % int64(Window/time.Second))
	key := fmt.Sprintf("ratelimit:%s:%d", apiKey, windowStart)

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		if l.failMode == FailClosed {
			l.logger.Error("Counter store unavailable, rejecting request", "error", err)
			return false, err
		}
		l.logger.Warn("Counter store unavailable, allowing request", "error", err)
		return true, nil
	}

	if count == 1 {
		if err := l.store.Expire(ctx, key, Window); err != nil {
			// The counter still works, it just lives longer than one
			// window. The embedded windowStart keeps counting correct.
			l.logger.Warn("Failed to set window expiry", "key", key, "error", err)
		}
	}

	return count <= int64(limit), nil
}
