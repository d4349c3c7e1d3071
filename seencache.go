package gossipsub

import (
	"container/list"
	"sync"
	"time"

	"github.com/whyrusleeping/timecache"
)

// SeenCache deduplicates message IDs within a TTL window, bounded to a
// maximum number of entries. The TTL membership itself is delegated to
// timecache.TimeCache; the bound on top is a size-capped LRU, since
// timecache alone has no eviction policy.
type SeenCache struct {
	mu      sync.Mutex
	ttl     *timecache.TimeCache
	order   *list.List
	entries map[MessageID]*list.Element
	maxSize int
}

type seenEntry struct {
	id MessageID
}

// NewSeenCache returns a SeenCache with the given TTL and maximum entry
// count. maxSize <= 0 means unbounded.
func NewSeenCache(ttl time.Duration, maxSize int) *SeenCache {
	return &SeenCache{
		ttl:     timecache.NewTimeCache(ttl),
		order:   list.New(),
		entries: make(map[MessageID]*list.Element),
		maxSize: maxSize,
	}
}

// Add records id as seen. It returns true if id was not already present
// (within the TTL window), false if this is a duplicate.
func (c *SeenCache) Add(id MessageID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := string(id)
	if c.ttl.Has(key) {
		return false
	}
	c.ttl.Add(key)

	if el, ok := c.entries[id]; ok {
		c.order.MoveToFront(el)
		return true
	}

	el := c.order.PushFront(seenEntry{id: id})
	c.entries[id] = el

	if c.maxSize > 0 {
		for c.order.Len() > c.maxSize {
			oldest := c.order.Back()
			if oldest == nil {
				break
			}
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(seenEntry).id)
		}
	}
	return true
}

// Cleanup drops LRU entries whose TTL membership has already lapsed.
// timecache expires its own entries lazily (on the next Has/Add touching
// that key), so without this pass the LRU layer can hold onto ids the TTL
// cache has already forgotten, inflating Len and delaying eviction of
// genuinely live entries.
func (c *SeenCache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.order.Front(); el != nil; {
		next := el.Next()
		id := el.Value.(seenEntry).id
		if !c.ttl.Has(string(id)) {
			c.order.Remove(el)
			delete(c.entries, id)
		}
		el = next
	}
}

// Contains reports whether id is currently within the TTL window, without
// recording a new sighting.
func (c *SeenCache) Contains(id MessageID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttl.Has(string(id))
}

// Len returns the number of entries currently tracked by the LRU layer.
// It may briefly exceed entries actually live in the TTL cache since
// timecache expiry is lazy.
func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
