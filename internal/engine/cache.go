package engine

import (
	"container/list"
	"sync"
	"time"

	"github.com/modelkiln/modelkiln/pkg/contracts"
	"github.com/modelkiln/modelkiln/pkg/models"
)

// cacheEntry is one loaded model: the deserialized object, its adapter,
// a copy of the model metadata at load time and the resolved version.
type cacheEntry struct {
	key      string
	modelID  string
	version  string
	object   any
	adapter  contracts.FormatAdapter
	meta     *models.Model
	loadedAt time.Time
}

// modelCache is an LRU cache of loaded models, keyed by modelID or
// modelID:version. Entries can be enumerated and evicted per model id.
type modelCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	items    map[string]*list.Element
}

func newModelCache(capacity int) *modelCache {
	return &modelCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

// get returns the entry for key and marks it recently used.
func (c *modelCache) get(key string) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry), true
}

// add inserts an entry, evicting the least-recently-used entry when the
// capacity is exceeded. Returns the evicted key, if any.
func (c *modelCache) add(entry *cacheEntry) (evicted string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[entry.key]; ok {
		el.Value = entry
		c.order.MoveToFront(el)
		return ""
	}

	c.items[entry.key] = c.order.PushFront(entry)

	if c.capacity > 0 && c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			victim := oldest.Value.(*cacheEntry)
			c.order.Remove(oldest)
			delete(c.items, victim.key)
			return victim.key
		}
	}
	return ""
}

// removeModel evicts every entry belonging to the given model id,
// regardless of version suffix. Returns the number of evictions.
func (c *modelCache) removeModel(modelID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for key, el := range c.items {
		if el.Value.(*cacheEntry).modelID == modelID {
			c.order.Remove(el)
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

// entries snapshots all cached entries, most recently used first.
func (c *modelCache) entries() []*cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*cacheEntry, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*cacheEntry))
	}
	return out
}
