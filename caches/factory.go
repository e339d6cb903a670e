// Package caches builds cache backends from configuration.
package caches

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/cjohansen/courier/caches/fs"
	"github.com/cjohansen/courier/caches/memory"
	"github.com/cjohansen/courier/caches/redis"
	"github.com/cjohansen/courier/caches/tiered"
	"github.com/cjohansen/courier/pkg/cache"
)

// Type selects a backend implementation.
type Type string

const (
	TypeMemory Type = "memory"
	TypeFile   Type = "file"
	TypeRedis  Type = "redis"
	TypeTiered Type = "tiered"
)

// Config selects and configures a backend.
type Config struct {
	Type   Type          `yaml:"type"`
	Memory memory.Config `yaml:"memory"`
	File   fs.Config     `yaml:"file"`
	Redis  redis.Config  `yaml:"redis"`
}

// New builds the backend described by cfg. The tiered type layers a memory
// tier over the configured Redis backend.
func New(cfg Config) (cache.Backend, error) {
	switch cfg.Type {
	case TypeMemory, "":
		return memory.New(cfg.Memory), nil
	case TypeFile:
		return fs.New(cfg.File)
	case TypeRedis:
		return redis.New(cfg.Redis)
	case TypeTiered:
		remote, err := redis.New(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return tiered.New(memory.New(cfg.Memory), remote), nil
	default:
		return nil, fmt.Errorf("caches: unknown cache type %q", cfg.Type)
	}
}

// FromYAML builds a backend from YAML configuration.
func FromYAML(data []byte) (cache.Backend, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("caches: parse config: %w", err)
	}
	return New(cfg)
}
