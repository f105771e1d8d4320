// Package blockcache provides an in-memory LRU cache of DiskRowSet base
// column blocks, keyed by (DRS id, block offset).
package blockcache

import (
	"fmt"
	"sync"
)

// Key identifies a cached block within a DiskRowSet's base data.
type Key struct {
	DRSID  uint64
	Offset uint64
}

func (k Key) String() string {
	return fmt.Sprintf("%d.%d", k.DRSID, k.Offset)
}

type entry struct {
	key        Key
	data       []byte
	next, prev *entry
}

// entryList is a double-linked circular list of *entry, avoiding a separate
// allocation per element the way container/list would need.
type entryList struct {
	root entry
}

func (l *entryList) init() {
	l.root.next = &l.root
	l.root.prev = &l.root
}

func (l *entryList) empty() bool {
	return l.root.next == &l.root
}

func (l *entryList) back() *entry {
	return l.root.prev
}

func (l *entryList) insertAfter(e, at *entry) {
	n := at.next
	at.next = e
	e.prev = at
	e.next = n
	n.prev = e
}

func (l *entryList) remove(e *entry) *entry {
	if e == &l.root {
		panic("cannot remove root list node")
	}
	e.prev.next = e.next
	e.next.prev = e.prev
	e.next = nil
	e.prev = nil
	return e
}

func (l *entryList) pushFront(e *entry) {
	l.insertAfter(e, &l.root)
}

func (l *entryList) moveToFront(e *entry) {
	if l.root.next == e {
		return
	}
	l.insertAfter(l.remove(e), &l.root)
}

// Cache is a bounded LRU cache of column-block bytes. A nil *Cache is valid
// and behaves as an always-miss, always-passthrough cache, so callers can
// disable caching by leaving the field zero.
type Cache struct {
	maxSize int64

	mu   sync.Mutex
	m    map[Key]*entry
	size int64
	lru  entryList
}

// New returns a Cache bounded to maxSize bytes of cached block data.
func New(maxSize int64) *Cache {
	c := &Cache{
		maxSize: maxSize,
		m:       make(map[Key]*entry),
	}
	c.lru.init()
	return c
}

// Get returns the cached block for k, or nil on a miss.
func (c *Cache) Get(k Key) []byte {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.m[k]; e != nil {
		c.lru.moveToFront(e)
		return e.data
	}
	return nil
}

// Insert adds data for k, evicting the least-recently-used blocks if the
// cache exceeds its size bound. It returns the data now associated with k
// (an existing entry wins over a racing Insert of the same key).
func (c *Cache) Insert(k Key, data []byte) []byte {
	if c == nil {
		return data
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.m[k]; e != nil {
		return e.data
	}
	e := &entry{key: k, data: data}
	c.m[k] = e
	c.lru.pushFront(e)
	c.size += int64(len(e.data))
	c.evict()
	return e.data
}

// Evict drops the cached block for k, if any. Used when a DRS is retired by
// a compaction so stale blocks cannot be served past that point.
func (c *Cache) Evict(k Key) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.m[k]; e != nil {
		c.lru.remove(e)
		delete(c.m, k)
		c.size -= int64(len(e.data))
	}
}

func (c *Cache) evict() {
	for c.size > c.maxSize && !c.lru.empty() {
		e := c.lru.back()
		c.lru.remove(e)
		delete(c.m, e.key)
		c.size -= int64(len(e.data))
	}
}
