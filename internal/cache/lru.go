package cache

import (
	"context"
	"sync"

	"github.com/hupe1980/bkd/resource"
)

// block is a node of the recency ring. The sentinel head links the most
// recently used block (head.next) and the least recently used (head.prev).
type block struct {
	key        Key
	data       []byte
	prev, next *block
}

// LRUBlockCache is a byte-bounded LRU guarded by one mutex. Blocks are also
// indexed by blob path so that a deleted tree drops its blocks without a
// full scan.
type LRUBlockCache struct {
	mu       sync.Mutex
	capacity int64
	rc       *resource.Controller

	head   block
	byKey  map[Key]*block
	byPath map[string]map[uint64]*block
	stats  Stats
}

var _ BlockCache = (*LRUBlockCache)(nil)

// NewLRUBlockCache returns a cache holding at most capacity bytes. A non-nil
// rc is charged for every cached byte; blocks it refuses are not cached.
func NewLRUBlockCache(capacity int64, rc *resource.Controller) *LRUBlockCache {
	c := &LRUBlockCache{
		capacity: capacity,
		rc:       rc,
		byKey:    make(map[Key]*block),
		byPath:   make(map[string]map[uint64]*block),
	}
	c.head.prev, c.head.next = &c.head, &c.head
	return c
}

func (c *LRUBlockCache) Get(_ context.Context, key Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.byKey[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	c.unlink(b)
	c.pushFront(b)
	return b.data, true
}

func (c *LRUBlockCache) Set(_ context.Context, key Key, data []byte) {
	n := int64(len(data))
	if n > c.capacity {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var old int64
	b, ok := c.byKey[key]
	if ok {
		old = int64(len(b.data))
	}
	if n > old && c.rc != nil && !c.rc.TryAcquireMemory(n-old) {
		return
	}
	if n < old {
		c.release(old - n)
	}
	c.stats.Bytes += n - old

	if ok {
		b.data = data
		c.unlink(b)
	} else {
		b = &block{key: key, data: data}
		c.byKey[key] = b
		blocks := c.byPath[key.Path]
		if blocks == nil {
			blocks = make(map[uint64]*block)
			c.byPath[key.Path] = blocks
		}
		blocks[key.Block] = b
		c.stats.Blocks++
	}
	c.pushFront(b)

	for c.stats.Bytes > c.capacity && c.head.prev != b {
		c.drop(c.head.prev)
		c.stats.Evicted++
	}
}

func (c *LRUBlockCache) InvalidatePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, b := range c.byPath[path] {
		c.drop(b)
	}
}

func (c *LRUBlockCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Size returns the cached bytes.
func (c *LRUBlockCache) Size() int64 { return c.Stats().Bytes }

// Close empties the cache and returns its bytes to the controller.
func (c *LRUBlockCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.release(c.stats.Bytes)
	c.byKey = make(map[Key]*block)
	c.byPath = make(map[string]map[uint64]*block)
	c.head.prev, c.head.next = &c.head, &c.head
	c.stats.Bytes, c.stats.Blocks = 0, 0
	return nil
}

func (c *LRUBlockCache) drop(b *block) {
	c.unlink(b)
	delete(c.byKey, b.key)
	if blocks := c.byPath[b.key.Path]; blocks != nil {
		delete(blocks, b.key.Block)
		if len(blocks) == 0 {
			delete(c.byPath, b.key.Path)
		}
	}
	n := int64(len(b.data))
	c.stats.Bytes -= n
	c.stats.Blocks--
	c.release(n)
}

func (c *LRUBlockCache) release(n int64) {
	if c.rc != nil && n > 0 {
		c.rc.ReleaseMemory(n)
	}
}

func (c *LRUBlockCache) unlink(b *block) {
	b.prev.next = b.next
	b.next.prev = b.prev
	b.prev, b.next = nil, nil
}

func (c *LRUBlockCache) pushFront(b *block) {
	b.prev = &c.head
	b.next = c.head.next
	c.head.next.prev = b
	c.head.next = b
}
