// Package cache selects and constructs the Local Cache adapter.
package cache

import (
	"fmt"

	"github.com/nkkko/remotesync/internal/cache/badger"
	"github.com/nkkko/remotesync/internal/cache/bbolt"
	"github.com/nkkko/remotesync/internal/cache/memory"
	"github.com/nkkko/remotesync/internal/domain"
)

// ErrNotFound is returned when a record or signature is absent
var ErrNotFound = domain.ErrNotFound

// Type represents the cache implementation to use
type Type string

const (
	// MemoryCache keeps everything in bounded 2Q LRU caches
	MemoryCache Type = "memory"

	// BadgerCache persists to a Badger directory
	BadgerCache Type = "badger"

	// BBoltCache persists to a single BBolt file
	BBoltCache Type = "bbolt"
)

// Config contains configuration for the cache factory
type Config struct {
	// Backend to create
	Type Type

	// Base directory for persistent backends
	DataDir string

	// Maximum number of objects kept by the memory backend
	Capacity int

	// Per-backend configuration; DataDir above overrides theirs when set
	Memory memory.Config
	Badger badger.Config
	BBolt  bbolt.Config
}

// DefaultConfig returns the default factory configuration
func DefaultConfig() Config {
	return Config{
		Type:    MemoryCache,
		DataDir: "./data",
		Memory:  memory.DefaultConfig(),
		Badger:  badger.DefaultConfig(),
		BBolt:   bbolt.DefaultConfig(),
	}
}

// New creates a cache instance based on the factory configuration
func New(config Config) (domain.LocalCache, error) {
	switch config.Type {
	case MemoryCache, "":
		memConfig := config.Memory
		if config.Capacity > 0 {
			memConfig.ObjectCapacity = config.Capacity
		}
		c, err := memory.NewCache(memConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create memory cache: %w", err)
		}
		return c, nil

	case BadgerCache:
		badgerConfig := config.Badger
		if config.DataDir != "" {
			badgerConfig.DataDir = config.DataDir
		}
		c, err := badger.NewCache(badgerConfig)
		if err != nil {
			return nil, err
		}
		return c, nil

	case BBoltCache:
		boltConfig := config.BBolt
		if config.DataDir != "" {
			boltConfig.DataDir = config.DataDir
		}
		c, err := bbolt.NewCache(boltConfig)
		if err != nil {
			return nil, err
		}
		return c, nil

	default:
		return nil, fmt.Errorf("unknown cache type %q", config.Type)
	}
}
