package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMemoryEntries = 4096

// MemoryCache is an LRU-bounded in-process Cache used for dev mode and
// tests. It does not survive restarts; production deployments pair it
// with (or replace it by) the Postgres adapter.
type MemoryCache struct {
	lru *lru.Cache[string, []byte]
}

// NewMemoryCache constructs a MemoryCache bounded to maxEntries
// (defaulted when non-positive).
func NewMemoryCache(maxEntries int) (*MemoryCache, error) {
	if maxEntries <= 0 {
		maxEntries = defaultMemoryEntries
	}
	l, err := lru.New[string, []byte](maxEntries)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{lru: l}, nil
}

// Get returns the cached value for key.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Set stores value under key.
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.lru.Add(key, append([]byte(nil), value...))
	return nil
}
