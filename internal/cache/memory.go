package cache

import (
	"context"
	"sync"
	"time"
)

const defaultMemoryEntries = 1024

// MemoryProvider is an in-process Provider with per-entry expiry, used when no
// Valkey instance is reachable.
type MemoryProvider struct {
	mu         sync.Mutex
	data       map[string]memoryItem
	maxEntries int
	now        func() time.Time
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryProvider holds at most maxEntries keys; zero picks a default.
func NewMemoryProvider(maxEntries int) *MemoryProvider {
	if maxEntries < 1 {
		maxEntries = defaultMemoryEntries
	}
	return &MemoryProvider{data: make(map[string]memoryItem), maxEntries: maxEntries, now: time.Now}
}

func (c *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	if c.expired(it) {
		delete(c.data, key)
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), it.value...), nil
}

// Set stores a copy of value. A non-positive ttl never expires.
func (c *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; !exists && len(c.data) >= c.maxEntries {
		c.evict()
	}
	var expires time.Time
	if ttl > 0 {
		expires = c.now().Add(ttl)
	}
	c.data[key] = memoryItem{value: append([]byte(nil), value...), expiresAt: expires}
	return nil
}

// Close drops every entry.
func (c *MemoryProvider) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]memoryItem)
	return nil
}

// Len reports the number of stored keys, expired ones included.
func (c *MemoryProvider) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func (c *MemoryProvider) expired(it memoryItem) bool {
	return !it.expiresAt.IsZero() && c.now().After(it.expiresAt)
}

// evict removes expired entries, or one arbitrary entry when none has expired.
func (c *MemoryProvider) evict() {
	removed := false
	for k, it := range c.data {
		if c.expired(it) {
			delete(c.data, k)
			removed = true
		}
	}
	if removed {
		return
	}
	for k := range c.data {
		delete(c.data, k)
		return
	}
}
