// Package memory provides an in-process local cache backed by 2Q LRU caches.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nkkko/remotesync/internal/domain"
	"github.com/nkkko/remotesync/internal/metrics"
	"github.com/nkkko/remotesync/pkg/proto"
)

// Ensure Cache implements domain.LocalCache
var _ domain.LocalCache = (*Cache)(nil)

// Config contains memory cache configuration
type Config struct {
	// Maximum number of objects held
	ObjectCapacity int

	// Maximum number of schema signatures held
	SignatureCapacity int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		ObjectCapacity:    10000,
		SignatureCapacity: 256,
	}
}

// Cache is a local cache that lives only as long as the process
type Cache struct {
	objects    *lru.TwoQueueCache
	signatures *lru.TwoQueueCache
	mutex      sync.RWMutex
	metrics    *metrics.Metrics
}

// NewCache creates a new memory cache
func NewCache(config Config) (*Cache, error) {
	if config.ObjectCapacity <= 0 {
		config.ObjectCapacity = DefaultConfig().ObjectCapacity
	}
	if config.SignatureCapacity <= 0 {
		config.SignatureCapacity = DefaultConfig().SignatureCapacity
	}

	objects, err := lru.New2Q(config.ObjectCapacity)
	if err != nil {
		return nil, err
	}

	signatures, err := lru.New2Q(config.SignatureCapacity)
	if err != nil {
		return nil, err
	}

	return &Cache{
		objects:    objects,
		signatures: signatures,
		metrics:    metrics.GetMetrics(),
	}, nil
}

func tablePrefix(loc proto.Location) string {
	return loc.Address + "\x00" + loc.Schema + "\x00" + loc.Table + "\x00"
}

func objectKey(loc proto.Location, id int64) string {
	return fmt.Sprintf("%s%d", tablePrefix(loc), id)
}

func signatureKey(address, schema string) string {
	return address + "\x00" + schema
}

// Find returns the cached records of a table matching the criteria
func (c *Cache) Find(ctx context.Context, loc proto.Location, criteria proto.Criteria) ([]domain.CacheRecord, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	// id lookups skip the scan
	if ids, ok := criteria.IDs(); ok && len(criteria) == 1 {
		records := make([]domain.CacheRecord, 0, len(ids))
		for _, id := range ids {
			if value, found := c.objects.Get(objectKey(loc, id)); found {
				records = append(records, value.(domain.CacheRecord))
			}
		}
		c.metrics.CacheOperations.WithLabelValues("find", "true").Inc()
		return records, nil
	}

	prefix := tablePrefix(loc)
	var records []domain.CacheRecord
	for _, key := range c.objects.Keys() {
		if !strings.HasPrefix(key.(string), prefix) {
			continue
		}
		value, found := c.objects.Peek(key)
		if !found {
			continue
		}
		record := value.(domain.CacheRecord)
		if criteria.Match(record.Object) {
			records = append(records, record)
		}
	}
	c.metrics.CacheOperations.WithLabelValues("find", "true").Inc()
	return records, nil
}

// Save stores objects, stamping them with the given retrieval time
func (c *Cache) Save(ctx context.Context, loc proto.Location, objects []proto.Object, retrievedAt time.Time) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, object := range objects {
		c.objects.Add(objectKey(loc, object.ID()), domain.CacheRecord{
			Object:      object.Clone(),
			RetrievedAt: retrievedAt,
		})
	}
	c.metrics.CacheOperations.WithLabelValues("save", "true").Inc()
	return nil
}

// Remove deletes objects by id
func (c *Cache) Remove(ctx context.Context, loc proto.Location, objects []proto.Object) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, object := range objects {
		c.objects.Remove(objectKey(loc, object.ID()))
	}
	c.metrics.CacheOperations.WithLabelValues("remove", "true").Inc()
	return nil
}

// Clean purges every record of a schema, or of the whole server when schema is empty
func (c *Cache) Clean(ctx context.Context, address, schema string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	prefix := address + "\x00"
	if schema != "" {
		prefix += schema + "\x00"
	}
	for _, key := range c.objects.Keys() {
		if strings.HasPrefix(key.(string), prefix) {
			c.objects.Remove(key)
		}
	}
	for _, key := range c.signatures.Keys() {
		k := key.(string)
		if k == signatureKey(address, schema) || (schema == "" && strings.HasPrefix(k, prefix)) {
			c.signatures.Remove(key)
		}
	}
	c.metrics.CachePurgesTotal.Inc()
	return nil
}

// GetSignature returns the stored schema signature
func (c *Cache) GetSignature(ctx context.Context, address, schema string) (string, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	value, found := c.signatures.Get(signatureKey(address, schema))
	if !found {
		return "", domain.ErrNotFound
	}
	return value.(string), nil
}

// SetSignature stores the schema signature
func (c *Cache) SetSignature(ctx context.Context, address, schema, signature string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.signatures.Add(signatureKey(address, schema), signature)
	return nil
}

// Close empties the cache
func (c *Cache) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.objects.Purge()
	c.signatures.Purge()
	return nil
}
