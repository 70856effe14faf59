// Package membercache keeps recently seen active member documents in a
// bounded LRU so the hot scan path can skip the store round-trip.
package membercache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/garasindo/exitgate/internal/exitgate/types"
)

// DefaultCapacity matches the member population of a typical site with
// headroom; eviction only matters on shared multi-tenant installs.
const DefaultCapacity = 1024

type entry struct {
	doc        *types.Transaction
	insertedAt time.Time
}

// Cache is a thread-safe LRU keyed by card number. Documents are cloned
// on the way in and out so cached state cannot be mutated by callers.
type Cache struct {
	lru   *lru.Cache[string, entry]
	clock func() time.Time
}

// New builds a cache with the given capacity (<=0 means
// DefaultCapacity).
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l, err := lru.New[string, entry](capacity)
	if err != nil {
		// Only reachable with capacity <= 0, which is normalized above.
		panic(err)
	}
	return &Cache{lru: l, clock: time.Now}
}

// Get returns a clone of the cached document for card, if present.
func (c *Cache) Get(card string) (*types.Transaction, bool) {
	e, ok := c.lru.Get(card)
	if !ok {
		return nil, false
	}
	return e.doc.Clone(), true
}

// Put stores a clone of doc under card.
func (c *Cache) Put(card string, doc *types.Transaction) {
	if card == "" || doc == nil {
		return
	}
	c.lru.Add(card, entry{doc: doc.Clone(), insertedAt: c.clock()})
}

// Invalidate drops the entry for card. Called when that member exits so
// the next lookup sees the store, not the stale active document.
func (c *Cache) Invalidate(card string) {
	c.lru.Remove(card)
}

// InvalidateAll purges the cache.
func (c *Cache) InvalidateAll() {
	c.lru.Purge()
}

// Len reports the number of cached members.
func (c *Cache) Len() int { return c.lru.Len() }
