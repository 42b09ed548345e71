// Package dimension holds the current user attributes needed to
// attribute session rollups. Readers see an immutable snapshot;
// invalidation installs a fresh copy, so a lookup never observes a
// torn entry.
package dimension

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BarkinBalci/engagement-rollup-service/internal/domain"
)

type snapshot map[string]*domain.UserDimension

// Cache is a read-mostly dimension cache shared across all session
// aggregator shards.
type Cache struct {
	current atomic.Pointer[snapshot]
	mu      sync.Mutex // serializes writers; readers never take it
	log     *zap.Logger
}

// NewCache creates an empty dimension cache
func NewCache(log *zap.Logger) *Cache {
	c := &Cache{log: log}
	empty := make(snapshot)
	c.current.Store(&empty)
	return c
}

// Lookup returns the cached dimensions for a user
func (c *Cache) Lookup(userID string) (*domain.UserDimension, bool) {
	snap := *c.current.Load()
	dim, ok := snap[userID]
	return dim, ok
}

// Invalidate replaces a user's cached entry with a new value. Entries
// carry a monotonic version per user; out-of-order replays from the
// change feed are discarded. Returns whether the entry was installed.
func (c *Cache) Invalidate(dim *domain.UserDimension) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := *c.current.Load()
	if existing, ok := old[dim.UserID]; ok && existing.Version >= dim.Version {
		c.log.Debug("Discarding stale dimension update",
			zap.String("user_id", dim.UserID),
			zap.Uint64("existing_version", existing.Version),
			zap.Uint64("update_version", dim.Version))
		return false
	}

	next := make(snapshot, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[dim.UserID] = dim
	c.current.Store(&next)

	return true
}

// Size returns the number of cached users
func (c *Cache) Size() int {
	return len(*c.current.Load())
}
