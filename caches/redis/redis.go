// Package redis provides the remote KV cache backend.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"

	"github.com/cjohansen/courier/pkg/cache"
	"github.com/cjohansen/courier/pkg/clock"
)

// Cache implements the backend contract against Redis. Each operation is a
// single round-trip, except that a Lookup finding an expired entry follows
// up with a delete; the stored value embeds its canonical key.
type Cache struct {
	client    goredis.UniversalClient
	namespace string
	clock     clock.Clock
}

// Config holds configuration for the Redis backend.
type Config struct {
	// Single node configuration
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Cluster configuration
	ClusterAddrs []string `yaml:"cluster_addrs"`

	// Sentinel configuration
	SentinelAddrs  []string `yaml:"sentinel_addrs"`
	SentinelMaster string   `yaml:"sentinel_master"`

	// Common configuration
	Namespace    string        `yaml:"namespace"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`

	Clock clock.Clock `yaml:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Namespace:    "courier",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// New creates a Redis backend and verifies connectivity. Construction fails
// explicitly when no server address is configured or the server is
// unreachable; the rest of courier works without it.
func New(cfg Config) (*Cache, error) {
	if cfg.Addr == "" && len(cfg.ClusterAddrs) == 0 && len(cfg.SentinelAddrs) == 0 {
		return nil, fmt.Errorf("redis cache: no server address configured")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	var client goredis.UniversalClient
	switch {
	case len(cfg.ClusterAddrs) > 0:
		client = goredis.NewClusterClient(&goredis.ClusterOptions{
			Addrs:        cfg.ClusterAddrs,
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
		})
	case len(cfg.SentinelAddrs) > 0:
		client = goredis.NewFailoverClient(&goredis.FailoverOptions{
			MasterName:    cfg.SentinelMaster,
			SentinelAddrs: cfg.SentinelAddrs,
			Password:      cfg.Password,
			DB:            cfg.DB,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
			PoolSize:      cfg.PoolSize,
			MinIdleConns:  cfg.MinIdleConns,
		})
	default:
		client = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}

	return &Cache{client: client, namespace: cfg.Namespace, clock: cfg.Clock}, nil
}

// storedEntry is the on-wire value: the entry with its canonical key
// embedded.
type storedEntry struct {
	Key   string       `json:"key"`
	Entry *cache.Entry `json:"entry"`
}

func (c *Cache) render(key cache.Key) string {
	k := key.String()
	if c.namespace == "" {
		return k
	}
	return c.namespace + "/" + k
}

// Lookup reads the entry under key. Misses read as nil; expired entries are
// deleted.
func (c *Cache) Lookup(ctx context.Context, key cache.Key) (*cache.Entry, error) {
	k := c.render(key)
	data, err := c.client.Get(ctx, k).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis cache: get %s: %w", k, err)
	}

	var stored storedEntry
	if err := json.Unmarshal(data, &stored); err != nil || stored.Entry == nil {
		return nil, nil
	}
	if stored.Entry.Expired(c.clock.Now()) {
		_ = c.client.Del(ctx, k)
		return nil, nil
	}
	return stored.Entry, nil
}

// Put stores the entry with a TTL derived from its expiry.
func (c *Cache) Put(ctx context.Context, key cache.Key, entry *cache.Entry) (map[string]any, error) {
	k := c.render(key)
	data, err := json.Marshal(storedEntry{Key: k, Entry: entry})
	if err != nil {
		return nil, fmt.Errorf("redis cache: encode entry: %w", err)
	}

	var ttl time.Duration
	if entry.ExpiresAt > 0 {
		ttl = time.Duration(entry.ExpiresAt-c.clock.Now()) * time.Millisecond
		if ttl <= 0 {
			ttl = time.Millisecond
		}
	}

	if err := c.client.Set(ctx, k, data, ttl).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: set %s: %w", k, err)
	}
	return map[string]any{"key": k, "ttl": ttl}, nil
}

// Ping checks connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the client's connections.
func (c *Cache) Close() error {
	return c.client.Close()
}
