// Package bbolt provides a persistent local cache backed by a single BBolt file.
package bbolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nkkko/remotesync/internal/domain"
	"github.com/nkkko/remotesync/internal/metrics"
	"github.com/nkkko/remotesync/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Ensure Cache implements domain.LocalCache
var _ domain.LocalCache = (*Cache)(nil)

const (
	fileName         = "cache.db"
	signatureBucket  = "signatures"
	schemaBucketMark = "schema:"
	sep              = "\x00"
)

// Config contains BBolt cache configuration
type Config struct {
	// Base directory for the database file
	DataDir string

	// How long to wait for the file lock
	OpenTimeout time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		DataDir:     "./data",
		OpenTimeout: time.Second,
	}
}

// record is the persisted form of a cached object
type record struct {
	Object proto.Object           `json:"object"`
	RTime  *timestamppb.Timestamp `json:"rtime,omitempty"`
}

// Cache keeps one bucket per (address, schema), keyed by "table\x00id"
type Cache struct {
	db      *bbolt.DB
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewCache opens (or creates) the cache file under config.DataDir
func NewCache(config Config) (*Cache, error) {
	if config.DataDir == "" {
		config.DataDir = DefaultConfig().DataDir
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = DefaultConfig().OpenTimeout
	}
	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	path := filepath.Join(config.DataDir, fileName)
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: config.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewCacheFromDB(db), nil
}

// NewCacheFromDB wraps an already opened database
func NewCacheFromDB(db *bbolt.DB) *Cache {
	return &Cache{
		db:      db,
		logger:  log.With().Str("component", "cache-bbolt").Logger(),
		metrics: metrics.GetMetrics(),
	}
}

func schemaBucketName(address, schema string) []byte {
	return []byte(schemaBucketMark + address + sep + schema)
}

func tablePrefix(table string) []byte {
	return []byte(table + sep)
}

func objectKey(table string, id int64) []byte {
	return append(tablePrefix(table), strconv.FormatInt(id, 10)...)
}

func signatureKey(address, schema string) []byte {
	return []byte(address + sep + schema)
}

func decode(data []byte) (domain.CacheRecord, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return domain.CacheRecord{}, err
	}
	cr := domain.CacheRecord{Object: r.Object}
	if r.RTime != nil {
		cr.RetrievedAt = r.RTime.AsTime()
	}
	return cr, nil
}

// Find returns the cached records of a table matching the criteria
func (c *Cache) Find(ctx context.Context, loc proto.Location, criteria proto.Criteria) ([]domain.CacheRecord, error) {
	var records []domain.CacheRecord
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(schemaBucketName(loc.Address, loc.Schema))
		if b == nil {
			return nil
		}

		if ids, ok := criteria.IDs(); ok && len(criteria) == 1 {
			for _, id := range ids {
				data := b.Get(objectKey(loc.Table, id))
				if data == nil {
					continue
				}
				r, err := decode(data)
				if err != nil {
					return err
				}
				records = append(records, r)
			}
			return nil
		}

		prefix := tablePrefix(loc.Table)
		cur := b.Cursor()
		for k, v := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cur.Next() {
			r, err := decode(v)
			if err != nil {
				c.logger.Warn().Err(err).Str("key", string(k)).Msg("Skipping unreadable record")
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
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(schemaBucketName(loc.Address, loc.Schema))
		if err != nil {
			return err
		}
		for _, object := range objects {
			data, err := json.Marshal(record{Object: object, RTime: timestamppb.New(retrievedAt)})
			if err != nil {
				return err
			}
			if err := b.Put(objectKey(loc.Table, object.ID()), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.metrics.CacheOperations.WithLabelValues("save", "false").Inc()
		return fmt.Errorf("failed to save objects: %w", err)
	}
	c.metrics.CacheOperations.WithLabelValues("save", "true").Inc()
	return nil
}

// Remove deletes objects by id
func (c *Cache) Remove(ctx context.Context, loc proto.Location, objects []proto.Object) error {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(schemaBucketName(loc.Address, loc.Schema))
		if b == nil {
			return nil
		}
		for _, object := range objects {
			if err := b.Delete(objectKey(loc.Table, object.ID())); err != nil {
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
	err := c.db.Update(func(tx *bbolt.Tx) error {
		var names [][]byte
		if schema != "" {
			names = append(names, schemaBucketName(address, schema))
		} else {
			prefix := []byte(schemaBucketMark + address + sep)
			err := tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
				if bytes.HasPrefix(name, prefix) {
					names = append(names, bytes.Clone(name))
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		for _, name := range names {
			if tx.Bucket(name) == nil {
				continue
			}
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}

		sigs := tx.Bucket([]byte(signatureBucket))
		if sigs == nil {
			return nil
		}
		if schema != "" {
			return sigs.Delete(signatureKey(address, schema))
		}
		prefix := []byte(address + sep)
		var keys [][]byte
		cur := sigs.Cursor()
		for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
			keys = append(keys, bytes.Clone(k))
		}
		for _, k := range keys {
			if err := sigs.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.metrics.CacheOperations.WithLabelValues("clean", "false").Inc()
		return fmt.Errorf("failed to purge cache: %w", err)
	}
	c.metrics.CachePurgesTotal.Inc()
	return nil
}

// GetSignature returns the stored schema signature
func (c *Cache) GetSignature(ctx context.Context, address, schema string) (string, error) {
	var signature []byte
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(signatureBucket))
		if b == nil {
			return nil
		}
		if v := b.Get(signatureKey(address, schema)); v != nil {
			signature = bytes.Clone(v)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to read signature: %w", err)
	}
	if signature == nil {
		return "", domain.ErrNotFound
	}
	return string(signature), nil
}

// SetSignature stores the schema signature
func (c *Cache) SetSignature(ctx context.Context, address, schema, signature string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(signatureBucket))
		if err != nil {
			return err
		}
		return b.Put(signatureKey(address, schema), []byte(signature))
	})
}

// Close closes the underlying BBolt database
func (c *Cache) Close() error {
	return c.db.Close()
}
