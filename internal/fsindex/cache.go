package fsindex

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheBytes is the lookup cache budget when none is configured.
const DefaultCacheBytes = 1 << 20

type cachedItem struct {
	out  *Output
	size int
}

// itemCache is an LRU bounded by the summed size of its entries rather
// than their count.
type itemCache struct {
	mu     sync.Mutex
	items  *lru.Cache[string, cachedItem]
	used   int
	budget int
}

func newItemCache(budget int) *itemCache {
	if budget <= 0 {
		budget = DefaultCacheBytes
	}
	c := &itemCache{budget: budget}
	// Every entry weighs at least one byte, so budget also caps the count.
	items, _ := lru.NewWithEvict[string, cachedItem](budget, func(_ string, v cachedItem) {
		c.used -= v.size
	})
	c.items = items
	return c
}

func entrySize(out *Output) int {
	if out == nil {
		return 1
	}
	return len(out.FSPath) + len(out.ItemPath) + len(out.Kind.String())
}

func (c *itemCache) get(key string) (*Output, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items.Get(key)
	if !ok {
		return nil, false
	}
	return v.out, true
}

func (c *itemCache) set(key string, out *Output) {
	size := entrySize(out)
	c.mu.Lock()
	defer c.mu.Unlock()
	if size > c.budget {
		return
	}
	c.items.Remove(key)
	for c.used+size > c.budget {
		if _, _, ok := c.items.RemoveOldest(); !ok {
			break
		}
	}
	c.items.Add(key, cachedItem{out: out, size: size})
	c.used += size
}

func (c *itemCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Purge()
	c.used = 0
}

func (c *itemCache) stats() (entries, bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len(), c.used
}
