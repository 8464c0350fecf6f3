package cache

import (
	"container/list"
	"sync"
)

type node struct {
	key   TileKey
	value Entry
}

// MemoryCache is an LRU bounded by tile count and, when maxBytes > 0, by the
// total size of the cached tile bytes.
type MemoryCache struct {
	mu       sync.Mutex
	maxTiles int
	maxBytes int64
	bytes    int64
	evicted  uint64
	index    map[TileKey]*list.Element
	recency  *list.List
}

func NewMemoryCache(maxTiles int, maxBytes int64) *MemoryCache {
	if maxTiles <= 0 {
		maxTiles = 1
	}
	return &MemoryCache{
		maxTiles: maxTiles,
		maxBytes: maxBytes,
		index:    make(map[TileKey]*list.Element),
		recency:  list.New(),
	}
}

// Get marks the tile as most recently used, so it takes the full lock.
func (c *MemoryCache) Get(key TileKey) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[key]
	if !ok {
		return Entry{}, false
	}
	c.recency.MoveToFront(elem)
	return elem.Value.(*node).value, true
}

// Set stores value under key. A tile larger than the whole byte budget is
// not cached.
func (c *MemoryCache) Set(key TileKey, value Entry) {
	size := int64(len(value.Data))
	if c.maxBytes > 0 && size > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.index[key]; ok {
		n := elem.Value.(*node)
		c.bytes += size - int64(len(n.value.Data))
		n.value = value
		c.recency.MoveToFront(elem)
	} else {
		c.index[key] = c.recency.PushFront(&node{key: key, value: value})
		c.bytes += size
	}

	for c.recency.Len() > c.maxTiles || (c.maxBytes > 0 && c.bytes > c.maxBytes) {
		c.evictOldest()
	}
}

func (c *MemoryCache) evictOldest() {
	oldest := c.recency.Back()
	if oldest == nil {
		return
	}
	n := c.recency.Remove(oldest).(*node)
	delete(c.index, n.key)
	c.bytes -= int64(len(n.value.Data))
	c.evicted++
}

func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   c.recency.Len(),
		Bytes:     c.bytes,
		Evictions: c.evicted,
	}
}
