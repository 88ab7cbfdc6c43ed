// Package badger provides a persistent local cache backed by Badger.
package badger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/nkkko/remotesync/internal/domain"
	"github.com/nkkko/remotesync/internal/metrics"
	"github.com/nkkko/remotesync/pkg/proto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Ensure Cache implements domain.LocalCache
var _ domain.LocalCache = (*Cache)(nil)

const (
	// Prefix keys for different record types
	prefixObjects    = "obj:"
	prefixSignatures = "sig:"

	// separator between key segments
	sep = "\x00"
)

// Config contains Badger cache configuration
type Config struct {
	// Base directory for data files
	DataDir string

	// Whether to sync every write to disk
	SyncWrites bool

	// How often to run value log garbage collection
	GCInterval time.Duration

	// Discard ratio for GC (0.5 means rewrite if 50% is garbage)
	GCDiscardRatio float64

	// Run fully in memory, for tests
	InMemory bool
}

// DefaultConfig returns a default configuration for the Badger cache
func DefaultConfig() Config {
	return Config{
		DataDir:        "./data",
		SyncWrites:     false,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// record is the persisted form of a cached object
type record struct {
	Object proto.Object           `json:"object"`
	RTime  *timestamppb.Timestamp `json:"rtime,omitempty"`
}

// Cache persists cached objects and schema signatures in Badger
type Cache struct {
	config  Config
	db      *badger.DB
	done    chan struct{}
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewCache opens a Badger database under config.DataDir
func NewCache(config Config) (*Cache, error) {
	logger := log.With().Str("component", "cache-badger").Logger()

	if config.GCInterval <= 0 {
		config.GCInterval = DefaultConfig().GCInterval
	}
	if config.GCDiscardRatio <= 0 {
		config.GCDiscardRatio = DefaultConfig().GCDiscardRatio
	}

	var options badger.Options
	if config.InMemory {
		options = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if config.DataDir == "" {
			config.DataDir = DefaultConfig().DataDir
		}
		dbPath := filepath.Join(config.DataDir, "badger")
		if err := os.MkdirAll(dbPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create badger directory: %w", err)
		}
		options = badger.DefaultOptions(dbPath)
	}
	options = options.WithLoggingLevel(badger.WARNING)
	options = options.WithSyncWrites(config.SyncWrites)

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open Badger: %w", err)
	}

	c := &Cache{
		config:  config,
		db:      db,
		done:    make(chan struct{}),
		logger:  logger,
		metrics: metrics.GetMetrics(),
	}

	if !config.InMemory {
		go c.runPeriodicGC()
	}

	logger.Info().
		Str("data_dir", config.DataDir).
		Bool("in_memory", config.InMemory).
		Msg("Badger cache opened")

	return c, nil
}

// runPeriodicGC runs value log garbage collection until the cache is closed
func (c *Cache) runPeriodicGC() {
	ticker := time.NewTicker(c.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := c.db.RunValueLogGC(c.config.GCDiscardRatio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				c.logger.Error().Err(err).Msg("Error during garbage collection")
			}
		case <-c.done:
			return
		}
	}
}

func tablePrefix(loc proto.Location) []byte {
	return []byte(prefixObjects + loc.Address + sep + loc.Schema + sep + loc.Table + sep)
}

func objectKey(loc proto.Location, id int64) []byte {
	return append(tablePrefix(loc), strconv.FormatInt(id, 10)...)
}

func signatureKey(address, schema string) []byte {
	return []byte(prefixSignatures + address + sep + schema)
}

func decodeRecord(item *badger.Item) (domain.CacheRecord, error) {
	var r record
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &r)
	})
	if err != nil {
		return domain.CacheRecord{}, fmt.Errorf("failed to unmarshal cached object: %w", err)
	}
	cr := domain.CacheRecord{Object: r.Object}
	if r.RTime != nil {
		cr.RetrievedAt = r.RTime.AsTime()
	}
	return cr, nil
}

// Find returns the cached records of a table matching the criteria
func (c *Cache) Find(ctx context.Context, loc proto.Location, criteria proto.Criteria) ([]domain.CacheRecord, error) {
	timer := prometheus.NewTimer(c.metrics.CacheOperationDuration.WithLabelValues("find"))
	defer timer.ObserveDuration()

	var records []domain.CacheRecord
	err := c.db.View(func(txn *badger.Txn) error {
		// id lookups skip the scan
		if ids, ok := criteria.IDs(); ok && len(criteria) == 1 {
			for _, id := range ids {
				item, err := txn.Get(objectKey(loc, id))
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				r, err := decodeRecord(item)
				if err != nil {
					return err
				}
				records = append(records, r)
			}
			return nil
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = tablePrefix(loc)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			r, err := decodeRecord(it.Item())
			if err != nil {
				c.logger.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("Skipping unreadable record")
				continue
			}
			if criteria.Match(r.Object) {
				records = append(records, r)
			}
		}
		return nil
	})
	if err != nil {
		c.metrics.CacheOperations.WithLabelValues("find", "false").Inc()
		return nil, fmt.Errorf("failed to scan cache: %w", err)
	}

	c.metrics.CacheOperations.WithLabelValues("find", "true").Inc()
	return records, nil
}

// Save stores objects, stamping them with the given retrieval time
func (c *Cache) Save(ctx context.Context, loc proto.Location, objects []proto.Object, retrievedAt time.Time) error {
	timer := prometheus.NewTimer(c.metrics.CacheOperationDuration.WithLabelValues("save"))
	defer timer.ObserveDuration()

	wb := c.db.NewWriteBatch()
	defer wb.Cancel()

	for _, object := range objects {
		data, err := json.Marshal(record{Object: object, RTime: timestamppb.New(retrievedAt)})
		if err != nil {
			c.metrics.CacheOperations.WithLabelValues("save", "false").Inc()
			return fmt.Errorf("failed to marshal object: %w", err)
		}
		if err := wb.Set(objectKey(loc, object.ID()), data); err != nil {
			c.metrics.CacheOperations.WithLabelValues("save", "false").Inc()
			return fmt.Errorf("failed to store object: %w", err)
		}
	}

	if err := wb.Flush(); err != nil {
		c.metrics.CacheOperations.WithLabelValues("save", "false").Inc()
		return fmt.Errorf("failed to commit objects: %w", err)
	}
	c.metrics.CacheOperations.WithLabelValues("save", "true").Inc()
	return nil
}

// Remove deletes objects by id
func (c *Cache) Remove(ctx context.Context, loc proto.Location, objects []proto.Object) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		for _, object := range objects {
			if err := txn.Delete(objectKey(loc, object.ID())); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.metrics.CacheOperations.WithLabelValues("remove", "false").Inc()
		return fmt.Errorf("failed to remove objects: %w", err)
	}
	c.metrics.CacheOperations.WithLabelValues("remove", "true").Inc()
	return nil
}

// Clean purges every record of a schema, or of the whole server when schema is empty
func (c *Cache) Clean(ctx context.Context, address, schema string) error {
	var prefixes [][]byte
	if schema == "" {
		prefixes = [][]byte{
			[]byte(prefixObjects + address + sep),
			[]byte(prefixSignatures + address + sep),
		}
	} else {
		prefixes = [][]byte{
			[]byte(prefixObjects + address + sep + schema + sep),
		}
	}

	if err := c.db.DropPrefix(prefixes...); err != nil {
		c.metrics.CacheOperations.WithLabelValues("clean", "false").Inc()
		return fmt.Errorf("failed to purge cache: %w", err)
	}
	if schema != "" {
		err := c.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(signatureKey(address, schema))
		})
		if err != nil {
			return fmt.Errorf("failed to remove signature: %w", err)
		}
	}

	c.metrics.CachePurgesTotal.Inc()
	c.logger.Debug().Str("address", address).Str("schema", schema).Msg("Cache purged")
	return nil
}

// GetSignature returns the stored schema signature
func (c *Cache) GetSignature(ctx context.Context, address, schema string) (string, error) {
	var signature string
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(signatureKey(address, schema))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			signature = string(bytes.Clone(val))
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read signature: %w", err)
	}
	return signature, nil
}

// SetSignature stores the schema signature
func (c *Cache) SetSignature(ctx context.Context, address, schema, signature string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(signatureKey(address, schema), []byte(signature))
	})
	if err != nil {
		return fmt.Errorf("failed to store signature: %w", err)
	}
	return nil
}

// Close stops garbage collection and closes the database
func (c *Cache) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	if err := c.db.Close(); err != nil {
		c.logger.Error().Err(err).Msg("Error closing Badger database")
		return err
	}
	return nil
}
