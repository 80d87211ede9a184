package cache

import (
	"container/list"
	"sync"
)

// BlobCache is an in-memory LRU over (key -> blob) with a byte-size
// budget. Entries are blob references only; the durable
// chunk store remains the source of truth, so eviction here is
// non-destructive.
type BlobCache struct {
	mu        sync.Mutex
	budget    int64
	used      int64
	ll        *list.List
	items     map[string]*list.Element
	onEvicted func(key string, size int64)
}

type blobEntry struct {
	key  string
	blob []byte
}

// NewBlobCache creates a BlobCache with the given byte budget.
func NewBlobCache(budgetBytes int64) *BlobCache {
	return &BlobCache{
		budget: budgetBytes,
		ll:     list.New(),
		items:  make(map[string]*list.Element),
	}
}

// OnEvicted registers a callback invoked (outside the lock) whenever an
// entry is evicted to make room for a newer one.
func (c *BlobCache) OnEvicted(fn func(key string, size int64)) {
	c.mu.Lock()
	c.onEvicted = fn
	c.mu.Unlock()
}

// UsedBytes reports current budget usage, for metrics/health.
func (c *BlobCache) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// LoaderFunc produces a blob on a cache miss.
type LoaderFunc func() ([]byte, error)

// Get returns the cached blob for key, updating recency. On a miss it
// calls loader to produce the blob, inserts it, and evicts
// least-recently-used entries until the byte budget is respected.
func (c *BlobCache) Get(key string, loader LoaderFunc) ([]byte, error) {
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		blob := el.Value.(*blobEntry).blob
		c.mu.Unlock()
		return blob, nil
	}
	c.mu.Unlock()

	blob, err := loader()
	if err != nil {
		return nil, err
	}

	c.insert(key, blob)
	return blob, nil
}

func (c *BlobCache) insert(key string, blob []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		old := el.Value.(*blobEntry)
		c.used -= int64(len(old.blob))
		old.blob = blob
		c.used += int64(len(blob))
		c.ll.MoveToFront(el)
	} else {
		el := c.ll.PushFront(&blobEntry{key: key, blob: blob})
		c.items[key] = el
		c.used += int64(len(blob))
	}

	c.evictLocked()
}

func (c *BlobCache) evictLocked() {
	var evicted []blobEntry
	for c.used > c.budget {
		back := c.ll.Back()
		if back == nil {
			break
		}
		entry := back.Value.(*blobEntry)
		c.ll.Remove(back)
		delete(c.items, entry.key)
		c.used -= int64(len(entry.blob))
		evicted = append(evicted, *entry)
	}

	if c.onEvicted == nil || len(evicted) == 0 {
		return
	}
	cb := c.onEvicted
	go func() {
		for _, e := range evicted {
			cb(e.key, int64(len(e.blob)))
		}
	}()
}

// Invalidate removes key from the LRU without invoking onEvicted,
// used when the underlying artifact is being replaced or purged.
func (c *BlobCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		entry := el.Value.(*blobEntry)
		c.ll.Remove(el)
		delete(c.items, key)
		c.used -= int64(len(entry.blob))
	}
}
