// Package cache keeps fully read datasets in memory so repeat DoGets skip
// the backing source.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/TFMV/flightline/pkg/models"
)

// Cache stores the complete batch list of a dataset under a key.
type Cache interface {
	// Get returns the batches for key and whether they were present.
	Get(ctx context.Context, key string) ([]*models.RecordBatch, bool)
	// Put stores batches. Entries larger than the whole cache are dropped.
	Put(ctx context.Context, key string, batches []*models.RecordBatch) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Close() error
}

// CacheEntry represents a single cache entry with metadata
type CacheEntry struct {
	Batches   []*models.RecordBatch
	CreatedAt time.Time
	LastUsed  time.Time
	Size      int64
}

// MemoryCache is a byte-bounded LRU with an optional TTL.
type MemoryCache struct {
	mu       sync.Mutex
	entries  map[string]*CacheEntry
	maxSize  int64
	ttl      time.Duration
	currSize int64
	stats    *StatsCollector
	now      func() time.Time
}

// NewMemoryCache creates a cache from cfg. A nil cfg uses DefaultConfig.
func NewMemoryCache(cfg *Config) *MemoryCache {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &MemoryCache{
		entries: make(map[string]*CacheEntry),
		maxSize: cfg.MaxSize,
		ttl:     cfg.TTL,
		now:     time.Now,
	}
	if cfg.EnableStats {
		c.stats = NewStatsCollector()
	}
	return c
}

// Get retrieves the batches stored under key.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]*models.RecordBatch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if ok && c.ttl > 0 && c.now().Sub(entry.CreatedAt) > c.ttl {
		c.remove(key)
		ok = false
	}
	if !ok {
		c.record(func(s *StatsCollector) { s.RecordMiss() })
		return nil, false
	}
	entry.LastUsed = c.now()
	c.record(func(s *StatsCollector) { s.RecordHit() })
	return entry.Batches, true
}

// Put stores batches under key, evicting least recently used entries to make
// room.
func (c *MemoryCache) Put(ctx context.Context, key string, batches []*models.RecordBatch) error {
	size := BatchesSize(batches)
	if size > c.maxSize {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.remove(key)
	}
	for c.currSize+size > c.maxSize && len(c.entries) > 0 {
		c.evictOldest()
	}

	now := c.now()
	c.entries[key] = &CacheEntry{
		Batches:   batches,
		CreatedAt: now,
		LastUsed:  now,
		Size:      size,
	}
	c.currSize += size
	c.record(func(s *StatsCollector) { s.UpdateSize(c.currSize) })
	return nil
}

// Delete removes an entry.
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(key)
	return nil
}

// Clear removes all entries from the cache
func (c *MemoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*CacheEntry)
	c.currSize = 0
	c.record(func(s *StatsCollector) { s.UpdateSize(0) })
	return nil
}

// Close releases any resources held by the cache
func (c *MemoryCache) Close() error {
	return c.Clear(context.Background())
}

// Size returns the bytes currently held.
func (c *MemoryCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currSize
}

// Stats returns a snapshot, or the zero value when stats are disabled.
func (c *MemoryCache) Stats() Stats {
	if c.stats == nil {
		return Stats{}
	}
	return c.stats.GetStats()
}

func (c *MemoryCache) remove(key string) {
	if entry, ok := c.entries[key]; ok {
		c.currSize -= entry.Size
		delete(c.entries, key)
		c.record(func(s *StatsCollector) { s.UpdateSize(c.currSize) })
	}
}

// evictOldest removes the least recently used entry from the cache
func (c *MemoryCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.entries {
		if oldestKey == "" || entry.LastUsed.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.LastUsed
		}
	}

	if oldestKey != "" {
		c.remove(oldestKey)
		c.record(func(s *StatsCollector) { s.RecordEviction() })
	}
}

func (c *MemoryCache) record(fn func(*StatsCollector)) {
	if c.stats != nil {
		fn(c.stats)
	}
}

// BatchesSize estimates the heap bytes held by batches.
func BatchesSize(batches []*models.RecordBatch) int64 {
	var size int64
	for _, b := range batches {
		for _, col := range b.Columns {
			size += columnSize(col)
		}
	}
	return size
}

func columnSize(col models.Column) int64 {
	n := int64(col.Len())
	var size int64
	switch c := col.(type) {
	case *models.BoolColumn:
		size = n
		size += int64(len(c.Valid))
	case *models.Int32Column:
		size = 4 * n
		size += int64(len(c.Valid))
	case *models.Float32Column:
		size = 4 * n
		size += int64(len(c.Valid))
	case *models.Int64Column:
		size = 8 * n
		size += int64(len(c.Valid))
	case *models.Float64Column:
		size = 8 * n
		size += int64(len(c.Valid))
	case *models.TimestampColumn:
		size = 8 * n
		size += int64(len(c.Valid))
	case *models.StringColumn:
		for _, s := range c.Values {
			size += int64(len(s)) + 16
		}
		size += int64(len(c.Valid))
	case *models.BinaryColumn:
		for _, v := range c.Values {
			size += int64(len(v)) + 24
		}
		size += int64(len(c.Valid))
	}
	return size
}
