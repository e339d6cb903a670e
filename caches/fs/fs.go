// Package fs provides the filesystem cache backend. Entries are serialized
// as JSON; writes go to a temp file in the target directory and are renamed
// into place, so a concurrent reader sees either the old entry or the new
// one, never a partial file.
package fs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/cjohansen/courier/pkg/cache"
	"github.com/cjohansen/courier/pkg/clock"
)

// Ext is the entry-file extension.
const Ext = ".json"

// Cache stores entries under Root, one file per key, sharded on the first
// two hex chars of the projection fingerprint. Directories are created
// lazily.
type Cache struct {
	root  string
	clock clock.Clock
}

// Config holds configuration for the filesystem backend.
type Config struct {
	Root  string      `yaml:"root"`
	Clock clock.Clock `yaml:"-"`
}

// New creates a filesystem backend rooted at cfg.Root.
func New(cfg Config) (*Cache, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("fs cache: root directory required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	return &Cache{root: cfg.Root, clock: cfg.Clock}, nil
}

func (c *Cache) path(key cache.Key) string {
	return filepath.Join(c.root, key.FilePath(Ext))
}

// Lookup reads the entry file for key. Missing and unparseable files read
// as nil; expired entries are deleted.
func (c *Cache) Lookup(_ context.Context, key cache.Key) (*cache.Entry, error) {
	p := c.path(key)
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fs cache: read %s: %w", p, err)
	}

	var entry cache.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, nil
	}
	if entry.Expired(c.clock.Now()) {
		_ = os.Remove(p)
		return nil, nil
	}
	return &entry, nil
}

// Put writes the entry atomically: temp file in the target directory, then
// rename.
func (c *Cache) Put(_ context.Context, key cache.Key, entry *cache.Entry) (map[string]any, error) {
	p := c.path(key)
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fs cache: mkdir %s: %w", dir, err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("fs cache: encode entry: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".courier-*")
	if err != nil {
		return nil, fmt.Errorf("fs cache: temp file in %s: %w", dir, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()           //nolint:errcheck
		os.Remove(tmp.Name()) //nolint:errcheck
		return nil, fmt.Errorf("fs cache: write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck
		return nil, fmt.Errorf("fs cache: close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck
		return nil, fmt.Errorf("fs cache: rename into %s: %w", p, err)
	}

	return map[string]any{"key": key.String(), "file": p}, nil
}
