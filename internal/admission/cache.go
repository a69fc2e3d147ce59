package admission

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"anidex/internal/db"
	"anidex/internal/model"
)

// KeyCache is the in-memory authentication cache over the credential
// store. Lookups are read-through: a miss falls back to the database and
// populates the cache, so keys provisioned after startup still work. The
// admin handlers call Invalidate after every mutation; a cron job calls
// Refresh periodically so a multi-instance deployment converges too.
type KeyCache struct {
	mu     sync.RWMutex
	keys   map[string]model.APIKey
	db     db.Service
	logger *slog.Logger
}

func NewKeyCache(dbService db.Service, logger *slog.Logger) *KeyCache {
	return &KeyCache{
		keys:   make(map[string]model.APIKey),
		db:     dbService,
		logger: logger.With("component", "keycache"),
	}
}

// Refresh replaces the cache contents with the full key table.
func (c *KeyCache) Refresh() error {
	keys, err := c.db.ListAPIKeys()
	if err != nil {
		return fmt.Errorf("failed to refresh key cache: %w", err)
	}

	fresh := make(map[string]model.APIKey, len(keys))
	for _, k := range keys {
		fresh[k.Key] = k
	}

	c.mu.Lock()
	c.keys = fresh
	c.mu.Unlock()

	c.logger.Debug("Key cache refreshed", "keys", len(fresh))
	return nil
}

// Lookup returns the record for a raw key string. On a cache miss it
// reads through to the database; db.ErrKeyNotFound is passed along.
func (c *KeyCache) Lookup(rawKey string) (*model.APIKey, error) {
	c.mu.RLock()
	cached, ok := c.keys[rawKey]
	c.mu.RUnlock()
	if ok {
		return &cached, nil
	}

	record, err := c.db.FindAPIKeyByKey(rawKey)
	if err != nil {
		if !errors.Is(err, db.ErrKeyNotFound) {
			c.logger.Error("Key lookup failed", "error", err)
		}
		return nil, err
	}

	c.mu.Lock()
	c.keys[record.Key] = *record
	c.mu.Unlock()
	return record, nil
}

// Invalidate drops a single key so the next lookup hits the database.
func (c *KeyCache) Invalidate(rawKey string) {
	c.mu.Lock()
	delete(c.keys, rawKey)
	c.mu.Unlock()
}

// InvalidateAll empties the cache. Used after bulk mutations.
func (c *KeyCache) InvalidateAll() {
	c.mu.Lock()
	c.keys = make(map[string]model.APIKey)
	c.mu.Unlock()
}

// Len reports the number of cached keys.
func (c *KeyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}
