// Package tiered layers a local memory tier over a remote backend. Reads
// check the local tier first, then the remote with best-effort backfill;
// writes go to both.
package tiered

import (
	"context"
	"sync/atomic"

	"github.com/cjohansen/courier/caches/memory"
	"github.com/cjohansen/courier/pkg/cache"
)

// Cache is the two-tier backend.
type Cache struct {
	local  *memory.Cache
	remote cache.Backend

	localHits  atomic.Int64
	remoteHits atomic.Int64
	misses     atomic.Int64
	backfills  atomic.Int64
}

// New creates a tiered backend over the given remote.
func New(local *memory.Cache, remote cache.Backend) *Cache {
	return &Cache{local: local, remote: remote}
}

// Lookup checks the local tier, then the remote. Remote hits are backfilled
// into the local tier.
func (c *Cache) Lookup(ctx context.Context, key cache.Key) (*cache.Entry, error) {
	entry, err := c.local.Lookup(ctx, key)
	if err == nil && entry != nil {
		c.localHits.Add(1)
		return entry, nil
	}

	if c.remote != nil {
		entry, err = c.remote.Lookup(ctx, key)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			c.remoteHits.Add(1)
			if _, err := c.local.Put(ctx, key, entry); err == nil {
				c.backfills.Add(1)
			}
			return entry, nil
		}
	}

	c.misses.Add(1)
	return nil, nil
}

// Put writes to both tiers. The remote write decides the metadata and the
// error; the local tier always gets the entry.
func (c *Cache) Put(ctx context.Context, key cache.Key, entry *cache.Entry) (map[string]any, error) {
	meta, err := c.local.Put(ctx, key, entry)
	if c.remote == nil {
		return meta, err
	}
	return c.remote.Put(ctx, key, entry)
}

// Stats holds per-tier counters.
type Stats struct {
	LocalHits  int64
	RemoteHits int64
	Misses     int64
	Backfills  int64
}

// Stats returns the backend's counters.
func (c *Cache) Stats() Stats {
	return Stats{
		LocalHits:  c.localHits.Load(),
		RemoteHits: c.remoteHits.Load(),
		Misses:     c.misses.Load(),
		Backfills:  c.backfills.Load(),
	}
}
