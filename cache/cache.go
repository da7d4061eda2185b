// Package cache keeps short lived copies of values loaded from slower
// sources. Concurrent misses on the same key share a single load.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/3rs4lg4d0/runbox/rbx"
	"golang.org/x/sync/singleflight"
)

type entry[V any] struct {
	value   V
	expires time.Time
}

// Loader fetches the value of a key from the source of truth.
type Loader[V any] func(ctx context.Context, key string) (V, error)

// Cache is a TTL cache in front of a Loader. Failed loads are not cached.
type Cache[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]
	group   singleflight.Group
	load    Loader[V]
	ttl     time.Duration
	clock   rbx.Clock
}

func New[V any](load Loader[V], ttl time.Duration, clock rbx.Clock) *Cache[V] {
	if load == nil {
		panic("load is mandatory")
	}
	if clock == nil {
		clock = rbx.SystemClock{}
	}
	return &Cache[V]{
		entries: make(map[string]entry[V]),
		load:    load,
		ttl:     ttl,
		clock:   clock,
	}
}

// Get returns the cached value of key, loading it when missing or expired.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, error) {
	if v, ok := c.lookup(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		v, err := c.load(ctx, key)
		if err != nil {
			return v, err
		}
		c.mu.Lock()
		c.entries[key] = entry[V]{value: v, expires: c.clock.Now().Add(c.ttl)}
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Invalidate drops the cached value of key.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *Cache[V]) lookup(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || !c.clock.Now().Before(e.expires) {
		var zero V
		return zero, false
	}
	return e.value, true
}
