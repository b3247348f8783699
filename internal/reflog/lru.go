package reflog

import (
	"container/list"
	"sync"

	hub "github.com/yanghongkjxy/pika-hub"
)

type entry struct {
	key      string
	entity   hub.CacheEntity
	refCount int
}

// Cache is a small ref-counted LRU implementing hub.LRUCache, with an
// optional KeyState backing store consulted on miss. No third-party
// handle-based ref-counted cache library appears anywhere in the
// retrieval pack for this shape; container/list plus a map is the
// natural, minimal fit (see DESIGN.md).
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
	backing  *KeyState
}

func NewCache(capacity int, backing *KeyState) *Cache {
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		backing:  backing,
	}
}

// handle pins a list element until Release, implementing hub.CacheHandle.
type handle struct {
	el *list.Element
}

func (c *Cache) Lookup(key []byte) hub.CacheHandle {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := string(key)
	if el, ok := c.items[k]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*entry).refCount++
		return &handle{el: el}
	}

	if c.backing == nil {
		return nil
	}
	execTime, found, err := c.backing.Get(key)
	if err != nil || !found {
		return nil
	}

	el := c.ll.PushFront(&entry{key: k, entity: hub.CacheEntity{ExecTime: execTime}, refCount: 1})
	c.items[k] = el
	c.evictLocked()
	return &handle{el: el}
}

func (c *Cache) Value(h hub.CacheHandle) *hub.CacheEntity {
	e := h.(*handle).el.Value.(*entry)
	return &e.entity
}

func (c *Cache) Release(h hub.CacheHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := h.(*handle).el.Value.(*entry)
	if e.refCount > 0 {
		e.refCount--
	}
}

// Set installs or refreshes a key's committed state, as the hub's own
// local commit path would do on every write that reaches this node.
func (c *Cache) Set(key []byte, execTime int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := string(key)
	if el, ok := c.items[k]; ok {
		el.Value.(*entry).entity.ExecTime = execTime
		c.ll.MoveToFront(el)
	} else {
		el := c.ll.PushFront(&entry{key: k, entity: hub.CacheEntity{ExecTime: execTime}})
		c.items[k] = el
		c.evictLocked()
	}

	if c.backing != nil {
		c.backing.Put(key, execTime)
	}
}

func (c *Cache) evictLocked() {
	if c.capacity <= 0 {
		return
	}
	for c.ll.Len() > c.capacity {
		el := c.ll.Back()
		if el == nil {
			return
		}
		e := el.Value.(*entry)
		if e.refCount > 0 {
			// pinned entries are never evicted mid-lookup
			return
		}
		c.ll.Remove(el)
		delete(c.items, e.key)
	}
}
