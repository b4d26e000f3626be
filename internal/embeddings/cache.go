package embeddings

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"
)

// CachedProvider memoizes another provider's vectors in a ristretto cache keyed
// by the xxhash of the input text.
type CachedProvider struct {
	next  Provider
	cache *ristretto.Cache
}

var _ Provider = (*CachedProvider)(nil)

// NewCachedProvider wraps next with a cache holding roughly maxEntries vectors.
func NewCachedProvider(next Provider, maxEntries int64) (*CachedProvider, error) {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
		// Cost counts entries, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedProvider{next: next, cache: cache}, nil
}

func (c *CachedProvider) Dimension() int { return c.next.Dimension() }

// Embed returns a cached vector when one exists. Callers must not modify the
// returned slice.
func (c *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	key := xxhash.Sum64String(text)
	if v, ok := c.cache.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}
	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, vec, 1)
	return vec, nil
}

// Wait blocks until pending cache writes are visible to Get.
func (c *CachedProvider) Wait() { c.cache.Wait() }

func (c *CachedProvider) Close() { c.cache.Close() }
