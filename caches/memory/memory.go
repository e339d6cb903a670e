// Package memory provides the in-process cache backend.
package memory

import (
	"context"
	"sync/atomic"

	gocache "github.com/patrickmn/go-cache"

	"github.com/cjohansen/courier/pkg/cache"
	"github.com/cjohansen/courier/pkg/clock"
)

// Cache stores entries in a process-local map. Entries are stored as-is;
// expiry is judged against courier's clock at lookup time, not by the
// store.
type Cache struct {
	store *gocache.Cache
	clock clock.Clock

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
}

// Config holds configuration for the memory backend.
type Config struct {
	Clock clock.Clock `yaml:"-"`
}

// New creates a memory backend.
func New(cfg Config) *Cache {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	return &Cache{
		store: gocache.New(gocache.NoExpiration, 0),
		clock: cfg.Clock,
	}
}

// Lookup returns the entry under key, or nil when absent or expired.
func (c *Cache) Lookup(_ context.Context, key cache.Key) (*cache.Entry, error) {
	k := key.String()
	v, ok := c.store.Get(k)
	if !ok {
		c.misses.Add(1)
		return nil, nil
	}
	entry := v.(*cache.Entry)
	if entry.Expired(c.clock.Now()) {
		c.store.Delete(k)
		c.misses.Add(1)
		return nil, nil
	}
	c.hits.Add(1)
	return entry, nil
}

// Put stores the entry under key.
func (c *Cache) Put(_ context.Context, key cache.Key, entry *cache.Entry) (map[string]any, error) {
	k := key.String()
	c.store.Set(k, entry, gocache.NoExpiration)
	c.sets.Add(1)
	return map[string]any{"key": k}, nil
}

// Flush removes every entry.
func (c *Cache) Flush() {
	c.store.Flush()
}

// Stats holds hit/miss/set counters.
type Stats struct {
	Hits   int64
	Misses int64
	Sets   int64
}

// Stats returns the backend's counters.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Sets: c.sets.Load()}
}
