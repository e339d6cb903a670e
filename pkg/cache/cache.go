// Package cache defines the backend contract courier caches against and the
// keying discipline every backend shares.
package cache

import (
	"context"

	"github.com/cjohansen/courier/pkg/types"
)

// Entry is a cached exchange. The response's transport handle is stripped
// before storage.
type Entry struct {
	Req       *types.Request  `json:"req"`
	Res       *types.Response `json:"res"`
	Success   bool            `json:"success"`
	CachedAt  int64           `json:"cached_at"`
	ExpiresAt int64           `json:"expires_at,omitempty"`
}

// Expired reports whether the entry's expiry is in the past. An entry with
// no ExpiresAt never expires.
func (e *Entry) Expired(now int64) bool {
	return e.ExpiresAt > 0 && e.ExpiresAt < now
}

// Backend stores and retrieves entries under courier's cache keys.
//
// Lookup returns (nil, nil) on a miss — a miss is never an error. Expired
// entries are treated as absent; backends with delete support remove them
// on such reads. Put returns backend metadata, always including the
// rendered key under "key".
type Backend interface {
	Lookup(ctx context.Context, key Key) (*Entry, error)
	Put(ctx context.Context, key Key, entry *Entry) (map[string]any, error)
}
