package contextstore

import (
	"container/list"
	"sync"
	"time"
)

// objectCache is a small in-process LRU sitting in front of the tiers.
// It is per-process, lossy, and advisory; invalidation happens on Store
// and Delete.
type objectCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type cacheEntry struct {
	id  string
	obj *Object
}

func newObjectCache(capacity int) *objectCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &objectCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (c *objectCache) get(id string) (*Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if entry.obj.Expired(time.Now()) {
		c.order.Remove(elem)
		delete(c.entries, id)
		return nil, false
	}
	c.order.MoveToFront(elem)
	return entry.obj.Clone(), true
}

func (c *objectCache) put(obj *Object) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := obj.Metadata.ContextID
	if elem, ok := c.entries[id]; ok {
		elem.Value.(*cacheEntry).obj = obj.Clone()
		c.order.MoveToFront(elem)
		return
	}

	c.entries[id] = c.order.PushFront(&cacheEntry{id: id, obj: obj.Clone()})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).id)
	}
}

func (c *objectCache) invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[id]; ok {
		c.order.Remove(elem)
		delete(c.entries, id)
	}
}

func (c *objectCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
