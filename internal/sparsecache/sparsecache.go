// Package sparsecache implements C4: the per-zone cache of recently
// consulted, fully-decoded sparse chapter indexes.
//
// Grounded on the teacher's internal/genring ring-of-generations: genring
// bounds a fixed count of in-flight arenas and notifies the eviction policy
// when one is freed; here the same shape bounds a fixed count of decoded
// sparse chapter snapshots and notifies the cache index when one is
// evicted. Unlike genring, eviction is driven by an LRU (ristretto) rather
// than a byte-budget ring, since sparse chapters are cached by recency of
// consultation, not by a capacity arena cannot exceed.
package sparsecache

import (
	"sync"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/Voskan/dedupindex/internal/types"
)

// ChapterIndex is the fully-decoded index of a sparse chapter: the set of
// chunk names it contains, at the granularity the sparse cache needs to
// answer membership queries.
type ChapterIndex struct {
	VirtualChapter uint64
	Names          map[types.ChunkName]struct{}
}

// Contains reports whether name is present in this decoded chapter index.
func (c *ChapterIndex) Contains(name types.ChunkName) bool {
	if c == nil {
		return false
	}
	_, ok := c.Names[name]
	return ok
}

// Loader fetches and decodes a sparse chapter's index from the volume. It is
// supplied by the zone/dispatcher layer, which knows how to talk to the
// volume contract (C2); the sparse cache itself has no volume dependency.
type Loader func(virtualChapter uint64) (*ChapterIndex, error)

// Cache is the per-zone sparse chapter index cache.
type Cache struct {
	lru *ristretto.Cache[uint64, *ChapterIndex]

	mu       sync.RWMutex
	resident map[uint64]*ChapterIndex
}

// New constructs a Cache able to hold approximately `capacity` decoded
// chapter indexes.
func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = 1
	}
	c := &Cache{resident: make(map[uint64]*ChapterIndex, capacity)}

	lru, err := ristretto.NewCache(&ristretto.Config[uint64, *ChapterIndex]{
		NumCounters: int64(capacity) * 10,
		MaxCost:     int64(capacity),
		BufferItems: 64,
		OnEvict: func(item *ristretto.Item[*ChapterIndex]) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if item.Value != nil {
				delete(c.resident, item.Value.VirtualChapter)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	c.lru = lru
	return c, nil
}

// ApplyBarrier ensures the named sparse chapter is resident, loading it via
// load if it is not already cached. Barrier messages are how the dispatcher
// (C6) and the triage queue upstream of it guarantee a chapter is resident
// before a dependent request is serviced.
func (c *Cache) ApplyBarrier(virtualChapter uint64, load Loader) error {
	c.mu.RLock()
	_, ok := c.resident[virtualChapter]
	c.mu.RUnlock()
	if ok {
		return nil
	}

	idx, err := load(virtualChapter)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.resident[virtualChapter] = idx
	c.mu.Unlock()
	c.lru.Set(virtualChapter, idx, 1)
	c.lru.Wait()
	return nil
}

// Search looks for name in the cached chapter index named by
// virtualChapterOrAll. Passing types.SparseCacheAll searches every currently
// resident chapter index, matching the ALL sentinel semantics from
// spec.md's C4 contract.
func (c *Cache) Search(name types.ChunkName, virtualChapterOrAll uint64) (found bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if virtualChapterOrAll == types.SparseCacheAll {
		for _, idx := range c.resident {
			if idx.Contains(name) {
				return true
			}
		}
		return false
	}

	idx, ok := c.resident[virtualChapterOrAll]
	if !ok {
		return false
	}
	return idx.Contains(name)
}

// Evict drops a chapter's cached index explicitly, e.g. because the volume
// reports it was overwritten before the LRU would naturally reclaim it.
func (c *Cache) Evict(virtualChapter uint64) {
	c.mu.Lock()
	delete(c.resident, virtualChapter)
	c.mu.Unlock()
	c.lru.Del(virtualChapter)
}

// Len reports how many chapter indexes are currently resident.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.resident)
}

// Close releases the underlying LRU's background goroutines.
func (c *Cache) Close() {
	c.lru.Close()
}
