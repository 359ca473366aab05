package client

import (
	"context"
	"encoding/json"
	"sync"
)

// Cache stores query results by key. Update runs mutate with exclusive access
// to the key's value.
type Cache interface {
	Read(ctx context.Context, key string) (json.RawMessage, bool, error)
	Update(ctx context.Context, key string, mutate func(current json.RawMessage) (json.RawMessage, error)) error
}

// Transaction is the cache handle delivered next to a subscription result.
// It writes to the entry of the operation the result belongs to.
type Transaction struct {
	cache Cache
	key   string
}

func (t *Transaction) Key() string { return t.key }

func (t *Transaction) Read(ctx context.Context) (json.RawMessage, bool, error) {
	return t.cache.Read(ctx, t.key)
}

func (t *Transaction) Update(ctx context.Context, mutate func(current json.RawMessage) (json.RawMessage, error)) error {
	return t.cache.Update(ctx, t.key, mutate)
}

// MemoryCache keeps results for the life of the process.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]json.RawMessage
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]json.RawMessage)}
}

func (c *MemoryCache) Read(_ context.Context, key string) (json.RawMessage, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append(json.RawMessage(nil), v...), true, nil
}

func (c *MemoryCache) Update(_ context.Context, key string, mutate func(json.RawMessage) (json.RawMessage, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, err := mutate(c.entries[key])
	if err != nil {
		return err
	}
	if next == nil {
		delete(c.entries, key)
		return nil
	}
	c.entries[key] = append(json.RawMessage(nil), next...)
	return nil
}

// put replaces the entry for key.
func put(ctx context.Context, c Cache, key string, data json.RawMessage) error {
	return c.Update(ctx, key, func(json.RawMessage) (json.RawMessage, error) { return data, nil })
}
