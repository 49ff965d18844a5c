// Package cache holds decoded tile payloads in memory under two budgets: a
// tile count and a byte total. Recency is tracked by an arena of list nodes
// linked by index, paired with a map from the canonical key string to the
// node's slot, so lookup, promotion and eviction are all O(1).
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/clock"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/logger"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/metrics"
)

const (
	DefaultMaxSize   = 512
	DefaultMaxMemory = 256 << 20

	nilIndex int32 = -1
)

const (
	reasonLRU        = "lru"
	reasonAge        = "age"
	reasonPercentage = "percentage"
)

type node struct {
	id   string
	key  tile.Key
	tile *tile.Tile
	seq  uint64 // insertion order
	prev int32
	next int32
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Count       int     `json:"count"`
	MemoryBytes int64   `json:"memory_bytes"`
	MaxSize     int     `json:"max_size"`
	MaxMemory   int64   `json:"max_memory"`
	HitRate     float64 `json:"hit_rate"`
}

type Option func(*TileCache)

func WithMaxSize(n int) Option {
	return func(c *TileCache) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

func WithMaxMemory(bytes int64) Option {
	return func(c *TileCache) {
		if bytes > 0 {
			c.maxMemory = bytes
		}
	}
}

func WithClock(clk clock.Clock) Option {
	return func(c *TileCache) {
		c.clock = clk
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *TileCache) {
		c.logger = l
	}
}

// TileCache is safe for concurrent use.
type TileCache struct {
	mu sync.Mutex

	nodes []node
	free  []int32
	index map[string]int32
	head  int32 // most recently used
	tail  int32 // least recently used

	maxSize   int
	maxMemory int64
	memory    int64

	hits      uint64
	misses    uint64
	evictions uint64
	nextSeq   uint64

	clock  clock.Clock
	logger logger.Logger
}

func New(opts ...Option) *TileCache {
	c := &TileCache{
		index:     make(map[string]int32),
		head:      nilIndex,
		tail:      nilIndex,
		maxSize:   DefaultMaxSize,
		maxMemory: DefaultMaxMemory,
		clock:     clock.Real(),
		logger:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get promotes the tile to most recently used and returns a copy of it.
// The copy shares Data with the cached tile; Data must not be modified.
func (c *TileCache) Get(key tile.Key) (*tile.Tile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.index[key.String()]
	if !ok {
		c.misses++
		metrics.CacheMisses.Inc()
		return nil, false
	}

	n := &c.nodes[i]
	n.tile.LastAccessed = c.clock.Now()
	c.moveToFront(i)
	c.hits++
	metrics.CacheHits.Inc()
	cp := *n.tile
	return &cp, true
}

func (c *TileCache) Has(key tile.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.index[key.String()]
	return ok
}

// Set stores a copy of t under key and then enforces both budgets. t itself
// is left untouched. A tile larger than the memory budget empties the cache.
func (c *TileCache) Set(key tile.Key, src *tile.Tile) {
	if src == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cp := *src
	t := &cp
	t.Key = key
	t.Size = int64(len(t.Data))
	t.LastAccessed = c.clock.Now()

	id := key.String()
	if i, ok := c.index[id]; ok {
		n := &c.nodes[i]
		c.memory += t.Size - n.tile.Size
		n.tile = t
		c.moveToFront(i)
	} else {
		i := c.alloc()
		c.nextSeq++
		c.nodes[i] = node{id: id, key: key, tile: t, seq: c.nextSeq, prev: nilIndex, next: nilIndex}
		c.index[id] = i
		c.pushFront(i)
		c.memory += t.Size
	}

	c.evictIfNecessary()
	c.publish()
}

func (c *TileCache) Remove(key tile.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.index[key.String()]
	if !ok {
		return false
	}
	c.drop(i)
	c.publish()
	return true
}

// Clear drops every tile. Counters are kept.
func (c *TileCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nodes = nil
	c.free = nil
	c.index = make(map[string]int32)
	c.head, c.tail = nilIndex, nilIndex
	c.memory = 0
	c.publish()
}

// SetLimits changes both budgets and evicts down to them immediately.
// Non-positive values leave the corresponding budget untouched.
func (c *TileCache) SetLimits(maxSize int, maxMemory int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if maxSize > 0 {
		c.maxSize = maxSize
	}
	if maxMemory > 0 {
		c.maxMemory = maxMemory
	}
	c.evictIfNecessary()
	c.publish()
}

// EvictByAge drops every tile not accessed within maxAge and reports how
// many were dropped.
func (c *TileCache) EvictByAge(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.clock.Now().Add(-maxAge)
	var stale []int32
	for _, i := range c.index {
		if c.nodes[i].tile.LastAccessed.Before(cutoff) {
			stale = append(stale, i)
		}
	}

	for _, i := range stale {
		c.evict(i, reasonAge)
	}
	c.resync()
	c.publish()
	return len(stale)
}

// EvictPercentage drops the given percentage (0-100) of tiles, least
// recently accessed first, rounding up. Ties go to the earliest inserted.
func (c *TileCache) EvictPercentage(percent float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if percent <= 0 || len(c.index) == 0 {
		return 0
	}
	if percent > 100 {
		percent = 100
	}

	entries := make([]int32, 0, len(c.index))
	for _, i := range c.index {
		entries = append(entries, i)
	}
	sort.Slice(entries, func(a, b int) bool {
		ta, tb := c.nodes[entries[a]].tile.LastAccessed, c.nodes[entries[b]].tile.LastAccessed
		if ta.Equal(tb) {
			return c.nodes[entries[a]].seq < c.nodes[entries[b]].seq
		}
		return ta.Before(tb)
	})

	n := int(float64(len(entries))*percent/100 + 0.999999)
	if n > len(entries) {
		n = len(entries)
	}
	for _, i := range entries[:n] {
		c.evict(i, reasonPercentage)
	}
	c.resync()
	c.publish()
	return n
}

// Keys lists cached keys from most to least recently used.
func (c *TileCache) Keys() []tile.Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]tile.Key, 0, len(c.index))
	for i := c.head; i != nilIndex; i = c.nodes[i].next {
		keys = append(keys, c.nodes[i].key)
	}
	return keys
}

func (c *TileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *TileCache) MemoryUsage() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memory
}

func (c *TileCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var hitRate float64
	if total := c.hits + c.misses; total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}

	return Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Count:       len(c.index),
		MemoryBytes: c.memory,
		MaxSize:     c.maxSize,
		MaxMemory:   c.maxMemory,
		HitRate:     hitRate,
	}
}

func (c *TileCache) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits, c.misses, c.evictions = 0, 0, 0
}

func (c *TileCache) evictIfNecessary() {
	for (len(c.index) > c.maxSize || c.memory > c.maxMemory) && len(c.index) > 0 {
		c.evict(c.tail, reasonLRU)
	}
}

func (c *TileCache) evict(i int32, reason string) {
	n := &c.nodes[i]
	c.logger.Debug("evicting tile", "key", n.id, "size", n.tile.Size, "reason", reason)
	c.drop(i)
	c.evictions++
	metrics.CacheEvictions.WithLabelValues(reason).Inc()
}

func (c *TileCache) drop(i int32) {
	n := &c.nodes[i]
	c.unlink(i)
	delete(c.index, n.id)
	c.memory -= n.tile.Size
	c.nodes[i] = node{prev: nilIndex, next: nilIndex}
	c.free = append(c.free, i)
}

// resync recomputes memory from the surviving entries after bulk removal.
func (c *TileCache) resync() {
	var total int64
	for _, i := range c.index {
		total += c.nodes[i].tile.Size
	}
	c.memory = total
}

func (c *TileCache) publish() {
	metrics.CacheTiles.Set(float64(len(c.index)))
	metrics.CacheBytes.Set(float64(c.memory))
}

func (c *TileCache) alloc() int32 {
	if n := len(c.free); n > 0 {
		i := c.free[n-1]
		c.free = c.free[:n-1]
		return i
	}
	c.nodes = append(c.nodes, node{prev: nilIndex, next: nilIndex})
	return int32(len(c.nodes) - 1)
}

func (c *TileCache) pushFront(i int32) {
	n := &c.nodes[i]
	n.prev = nilIndex
	n.next = c.head
	if c.head != nilIndex {
		c.nodes[c.head].prev = i
	}
	c.head = i
	if c.tail == nilIndex {
		c.tail = i
	}
}

func (c *TileCache) unlink(i int32) {
	n := &c.nodes[i]
	if n.prev != nilIndex {
		c.nodes[n.prev].next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nilIndex {
		c.nodes[n.next].prev = n.prev
	} else {
		c.tail = n.prev
	}
	n.prev, n.next = nilIndex, nilIndex
}

func (c *TileCache) moveToFront(i int32) {
	if c.head == i {
		return
	}
	c.unlink(i)
	c.pushFront(i)
}
