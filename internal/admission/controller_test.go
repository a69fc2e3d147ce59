package admission

import (
	"context"
	"path/filepath"
	"testing"

	"anidex/internal/counter"
	"anidex/internal/db"
	"anidex/internal/logger"
	"anidex/internal/model"
	"anidex/internal/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func setupController(t *testing.T) (*Controller, *KeyCache, db.Service) {
	t.Helper()
	service, err := db.NewService(db.Config{
		Type: "sqlite",
		DSN:  filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)

	log := logger.NewWithWriter(testWriter{t}, false)
	cache := NewKeyCache(service, log)
	limiter := ratelimit.NewLimiter(counter.NewMemoryStore(), ratelimit.FailOpen, log)
	return NewController(cache, limiter, 60, log), cache, service
}

func TestAdmitMissingKey(t *testing.T) {
	ctl, _, _ := setupController(t)
	decision := ctl.Admit(context.Background(), "", "/anime", "1.1.1.1")
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonMissingCredential, decision.Reason)
}

func TestAdmitUnknownKey(t *testing.T) {
	ctl, _, _ := setupController(t)
	decision := ctl.Admit(context.Background(), "nope", "/anime", "1.1.1.1")
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonInvalidCredential, decision.Reason)
}

func TestAdmitStoreOutage(t *testing.T) {
	ctl, _, service := setupController(t)

	// Kill the underlying connection so the read-through lookup fails
	// with something other than a missing record.
	sqlDB, err := service.GetDB().DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	decision := ctl.Admit(context.Background(), "any-key", "/anime", "1.1.1.1")
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonStoreUnavailable, decision.Reason)
}

func TestAdmitEndpointNotAllowed(t *testing.T) {
	ctl, _, service := setupController(t)
	require.NoError(t, service.CreateAPIKey(&model.APIKey{
		Key:              "restricted",
		AllowedEndpoints: []string{"/info"},
	}))

	decision := ctl.Admit(context.Background(), "restricted", "/anime/123", "1.1.1.1")
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonEndpointNotAllowed, decision.Reason)

	decision = ctl.Admit(context.Background(), "restricted", "/info/456", "1.1.1.1")
	assert.True(t, decision.Allowed)
}

func TestAdmitBlacklistedIP(t *testing.T) {
	ctl, _, service := setupController(t)
	require.NoError(t, service.CreateAPIKey(&model.APIKey{
		Key:            "blocked",
		BlacklistedIPs: []string{"6.6.6.6"},
	}))

	decision := ctl.Admit(context.Background(), "blocked", "/anime", "6.6.6.6")
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonIPBlacklisted, decision.Reason)

	decision = ctl.Admit(context.Background(), "blocked", "/anime", "7.7.7.7")
	assert.True(t, decision.Allowed)
}

func TestAdmitRateLimit(t *testing.T) {
	ctl, _, service := setupController(t)
	require.NoError(t, service.CreateAPIKey(&model.APIKey{
		Key:       "limited",
		RateLimit: 3,
	}))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		decision := ctl.Admit(ctx, "limited", "/anime", "1.1.1.1")
		assert.True(t, decision.Allowed, "request %d should pass", i+1)
	}

	decision := ctl.Admit(ctx, "limited", "/anime", "1.1.1.1")
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonRateLimited, decision.Reason)
}

func TestAdmitWhitelistedBypassesLimit(t *testing.T) {
	ctl, _, service := setupController(t)
	require.NoError(t, service.CreateAPIKey(&model.APIKey{
		Key:         "vip",
		Whitelisted: true,
		RateLimit:   1,
	}))

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		decision := ctl.Admit(ctx, "vip", "/anime", "1.1.1.1")
		require.True(t, decision.Allowed, "whitelisted request %d was rejected", i+1)
	}
}

func TestKeyCacheReadThrough(t *testing.T) {
	_, cache, service := setupController(t)
	require.NoError(t, service.CreateAPIKey(&model.APIKey{Key: "late-arrival"}))

	// The key was created after the cache was built; the miss falls
	// through to the database and populates the cache.
	record, err := cache.Lookup("late-arrival")
	require.NoError(t, err)
	assert.Equal(t, "late-arrival", record.Key)
	assert.Equal(t, 1, cache.Len())
}

func TestKeyCacheInvalidate(t *testing.T) {
	_, cache, service := setupController(t)
	require.NoError(t, service.CreateAPIKey(&model.APIKey{Key: "k", Name: "before"}))
	require.NoError(t, cache.Refresh())

	record, err := cache.Lookup("k")
	require.NoError(t, err)
	require.Equal(t, "before", record.Name)

	// A stale cache keeps serving until invalidated.
	require.NoError(t, service.GetDB().Model(&model.APIKey{}).Where("key = ?", "k").Update("name", "after").Error)
	record, err = cache.Lookup("k")
	require.NoError(t, err)
	assert.Equal(t, "before", record.Name)

	cache.Invalidate("k")
	record, err = cache.Lookup("k")
	require.NoError(t, err)
	assert.Equal(t, "after", record.Name)
}

func TestKeyCacheRefreshDropsDeletedKeys(t *testing.T) {
	_, cache, service := setupController(t)
	require.NoError(t, service.CreateAPIKey(&model.APIKey{Key: "doomed"}))
	require.NoError(t, cache.Refresh())
	require.Equal(t, 1, cache.Len())

	require.NoError(t, service.DeleteAPIKey(1))
	require.NoError(t, cache.Refresh())
	assert.Equal(t, 0, cache.Len())

	_, err := cache.Lookup("doomed")
	assert.ErrorIs(t, err, db.ErrKeyNotFound)
}
