// Package valuecache is the in-memory history store the evaluation engine
// reads from. Each item owns a bounded ring of records; reads return owned
// copies ordered newest first.
package valuecache

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/vigil/config"
	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/history"
	"github.com/xtxerr/vigil/internal/logging"
)

var log = logging.Component("valuecache")

// Config holds value cache configuration.
type Config struct {
	// ValuesPerItem is the ring capacity of one item.
	ValuesPerItem int
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{ValuesPerItem: config.DefaultValuesPerItem}
}

type series struct {
	mu        sync.RWMutex
	valueType history.ValueType
	ring      *ring
}

// Cache stores recent history per item.
//
// Cache is safe for concurrent use.
type Cache struct {
	mu     sync.RWMutex
	items  map[uint64]*series
	config Config

	// Statistics
	hits    atomic.Int64
	misses  atomic.Int64
	added   atomic.Int64
	dropped atomic.Int64
}

// New creates an empty cache.
func New(cfg Config) *Cache {
	if cfg.ValuesPerItem <= 0 {
		cfg.ValuesPerItem = config.DefaultValuesPerItem
	}
	return &Cache{
		items:  make(map[uint64]*series),
		config: cfg,
	}
}

func (c *Cache) series(itemID uint64) *series {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.items[itemID]
}

// Add appends a record to an item's history. The first record fixes the
// item's value type; records of another type are rejected.
func (c *Cache) Add(itemID uint64, vt history.ValueType, rec history.Record) error {
	if !vt.IsValid() {
		return fmt.Errorf("item %d: value type %d: %w", itemID, vt, errors.ErrValueType)
	}

	s := c.series(itemID)
	if s == nil {
		c.mu.Lock()
		if s = c.items[itemID]; s == nil {
			s = &series{valueType: vt, ring: newRing(c.config.ValuesPerItem)}
			c.items[itemID] = s
		}
		c.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.valueType != vt {
		return fmt.Errorf("item %d holds %s values, got %s: %w", itemID, s.valueType, vt, errors.ErrValueType)
	}
	if s.ring.push(rec) {
		c.dropped.Add(1)
	}
	c.added.Add(1)
	return nil
}

// GetValues returns an item's records ending at end (inclusive, seconds),
// newest first.
//
// With count > 0 at most count records are returned; with seconds > 0 only
// records newer than end-seconds are returned. When both are zero the result
// is empty. An item that has no history yet yields an empty slice.
func (c *Cache) GetValues(itemID uint64, vt history.ValueType, seconds, count int, end int64) ([]history.Record, error) {
	s := c.series(itemID)
	if s == nil {
		c.misses.Add(1)
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.valueType != vt {
		return nil, fmt.Errorf("item %d holds %s values, requested %s: %w", itemID, s.valueType, vt, errors.ErrValueCache)
	}
	if seconds <= 0 && count <= 0 {
		return nil, nil
	}

	c.hits.Add(1)

	var out []history.Record
	for i := s.ring.newestIndexAtOrBefore(end); i >= 0; i-- {
		rec := s.ring.at(i)
		if seconds > 0 && rec.Timestamp.Sec <= end-int64(seconds) {
			break
		}
		out = append(out, copyRecord(*rec))
		if count > 0 && len(out) >= count {
			break
		}
	}
	return out, nil
}

// GetValue returns the newest record at or before ts.
func (c *Cache) GetValue(itemID uint64, vt history.ValueType, ts history.Timespec) (history.Record, error) {
	s := c.series(itemID)
	if s == nil {
		c.misses.Add(1)
		return history.Record{}, fmt.Errorf("item %d: no values: %w", itemID, errors.ErrValueCache)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.valueType != vt {
		return history.Record{}, fmt.Errorf("item %d holds %s values, requested %s: %w", itemID, s.valueType, vt, errors.ErrValueCache)
	}

	i := s.ring.newestIndexAtOrBeforeTS(ts)
	if i < 0 {
		c.misses.Add(1)
		return history.Record{}, fmt.Errorf("item %d: no value at or before %d: %w", itemID, ts.Sec, errors.ErrValueCache)
	}
	c.hits.Add(1)
	return copyRecord(*s.ring.at(i)), nil
}

// Len returns the number of records held for an item.
func (c *Cache) Len(itemID uint64) int {
	s := c.series(itemID)
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.len()
}

// Remove drops an item's history.
func (c *Cache) Remove(itemID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, itemID)
}

// Stats returns cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	items := len(c.items)
	c.mu.RUnlock()

	return Stats{
		Items:   items,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Added:   c.added.Load(),
		Dropped: c.dropped.Load(),
	}
}

// Stats holds cache statistics.
type Stats struct {
	Items   int
	Hits    int64
	Misses  int64
	Added   int64
	Dropped int64
}

// copyRecord detaches the log payload so callers own what they receive.
func copyRecord(r history.Record) history.Record {
	if r.Value.Log != nil {
		l := *r.Value.Log
		r.Value.Log = &l
	}
	return r
}
