package admission

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"anidex/internal/db"
	"anidex/internal/model"
	"anidex/internal/ratelimit"
)

// Decision is the outcome of admitting one request.
type Decision struct {
	Allowed bool
	Reason  Reason
	Key     *model.APIKey
}

// Controller runs the admission pipeline: credential lookup, endpoint and
// IP checks, whitelist bypass, and the fixed-window rate limit.
type Controller struct {
	cache        *KeyCache
	limiter      *ratelimit.Limiter
	defaultLimit int
	logger       *slog.Logger
}

func NewController(cache *KeyCache, limiter *ratelimit.Limiter, defaultLimit int, logger *slog.Logger) *Controller {
	return &Controller{
		cache:        cache,
		limiter:      limiter,
		defaultLimit: defaultLimit,
		logger:       logger.With("component", "admission"),
	}
}

// Admit decides whether a request carrying rawKey may reach its handler.
// path is the request path, clientIP the already-resolved client address.
// Whitelisted keys bypass the limiter entirely and never touch a counter.
func (ctl *Controller) Admit(ctx context.Context, rawKey, path, clientIP string) Decision {
	if rawKey == "" {
		return Decision{Reason: ReasonMissingCredential}
	}

	record, err := ctl.cache.Lookup(rawKey)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return Decision{Reason: ReasonInvalidCredential}
		}
		// A store outage is not an invalid key. Surfacing 503 keeps an
		// operator from reading an outage as a wave of bad credentials.
		ctl.logger.Error("Credential lookup error", "error", err)
		return Decision{Reason: ReasonStoreUnavailable}
	}

	if !record.EndpointAllowed(LeadingSegment(path)) {
		return Decision{Reason: ReasonEndpointNotAllowed, Key: record}
	}

	if record.IPBlacklisted(clientIP) {
		return Decision{Reason: ReasonIPBlacklisted, Key: record}
	}

	if record.Whitelisted {
		return Decision{Allowed: true, Reason: ReasonAllowed, Key: record}
	}

	limit := record.RateLimit
	if limit <= 0 {
		limit = ctl.defaultLimit
	}

	allowed, err := ctl.limiter.Allow(ctx, record.Key, limit)
	if err != nil {
		// Allow returns an error only under fail-closed limiting.
		return Decision{Reason: ReasonStoreUnavailable, Key: record}
	}
	if !allowed {
		return Decision{Reason: ReasonRateLimited, Key: record}
	}

	return Decision{Allowed: true, Reason: ReasonAllowed, Key: record}
}

// LeadingSegment extracts the first path segment, e.g. "/anime/123" yields
// "/anime". The root path yields "/".
func LeadingSegment(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "/"
	}
	return "/" + strings.SplitN(trimmed, "/", 2)[0]
}
