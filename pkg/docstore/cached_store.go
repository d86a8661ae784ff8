package docstore

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultCacheTTL is how long documents stay cached.
const DefaultCacheTTL = 7 * 24 * time.Hour

var _ DocumentStore = &CachedStore{}

// CachedStore caches documents of another DocumentStore in memory.
// Documents handed out by Get are shared with the cache, and must not be modified.
type CachedStore struct {
	DocumentStore
	cache *expirable.LRU[Selector, Document]
}

// NewCachedStore wraps store with a cache holding up to size documents for ttl.
func NewCachedStore(store DocumentStore, size int, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedStore{
		DocumentStore: store,
		cache:         expirable.NewLRU[Selector, Document](size, nil, ttl),
	}
}

func (cs *CachedStore) Get(ctx context.Context, sel Selector) (Document, error) {
	if doc, ok := cs.cache.Get(sel); ok {
		return doc, nil
	}

	doc, err := cs.DocumentStore.Get(ctx, sel)
	if err != nil {
		return nil, err
	}
	cs.cache.Add(sel, doc)
	return doc, nil
}

func (cs *CachedStore) Set(ctx context.Context, sel Selector, doc Document) error {
	err := cs.DocumentStore.Set(ctx, sel, doc)
	if err != nil {
		// the stored state is unknown now
		cs.cache.Remove(sel)
		return err
	}
	cs.cache.Add(sel, doc)
	return nil
}

func (cs *CachedStore) Delete(ctx context.Context, sel Selector) error {
	cs.cache.Remove(sel)
	return cs.DocumentStore.Delete(ctx, sel)
}
