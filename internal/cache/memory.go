package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryCache - внутрипроцессная реализация Cache для тестов и
// однопроцессных установок без Redis
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	value      string
	insertedAt time.Time
}

var _ Cache = (*MemoryCache)(nil)

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return "", ErrMiss
	}
	if c.ttl > 0 && c.now().Sub(entry.insertedAt) >= c.ttl {
		// Ленивое вытеснение истекшей записи
		c.mu.Lock()
		if current, stillThere := c.entries[key]; stillThere && current.insertedAt == entry.insertedAt {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return "", ErrMiss
	}
	return entry.value, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value string) error {
	c.mu.Lock()
	c.entries[key] = memoryEntry{value: value, insertedAt: c.now()}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, keys ...string) error {
	c.mu.Lock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) InvalidatePrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
	return nil
}
