// cache.go: generic result caching for idempotent round trips
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package audiobridge

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// ResultCache memoizes answers for calls known to be pure and loop-invariant
// within a stable window, collapsing repeated identical queries into one real
// round trip. It is a de-duplication layer in front of the authoritative
// answer, never a substitute for it: a missing entry always falls through to
// the fetch function.
//
// Invalidation is wholesale, on externally triggered lifecycle events, rather
// than per entry; the invalidating events are rare and tracking per-entry
// staleness would cost more than it saves.
type ResultCache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]V

	hits        atomic.Int64
	misses      atomic.Int64
	populatedAt atomic.Int64
}

// NewResultCache creates an empty cache.
func NewResultCache[K comparable, V any]() *ResultCache[K, V] {
	return &ResultCache[K, V]{entries: make(map[K]V)}
}

// GetOrFetch returns the cached value for key, or runs fetch (the real round
// trip), stores its result, and returns it. A failed fetch is not cached.
//
// The lock is held across fetch so concurrent queries for the same key
// collapse into one round trip; per-cache locks are narrow and short-held in
// steady state because hits never leave the fast path.
func (c *ResultCache[K, V]) GetOrFetch(key K, fetch func() (V, error)) (V, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if value, ok := c.entries[key]; ok {
		c.hits.Add(1)
		return value, nil
	}

	c.misses.Add(1)
	value, err := fetch()
	if err != nil {
		return value, err
	}
	c.entries[key] = value
	c.populatedAt.Store(timecache.CachedTimeNano())
	return value, nil
}

// Peek returns the cached value for key without fetching.
func (c *ResultCache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.entries[key]
	return value, ok
}

// Invalidate drops every entry. The next query for any key performs a fresh
// round trip.
func (c *ResultCache[K, V]) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[K]V)
	c.mu.Unlock()
}

// Len returns the number of cached entries.
func (c *ResultCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit/miss counters and the last population time.
func (c *ResultCache[K, V]) Stats() CacheStats {
	return CacheStats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		PopulatedAt: time.Unix(0, c.populatedAt.Load()),
	}
}

// CacheStats is a snapshot of a cache's counters.
type CacheStats struct {
	Hits        int64     `json:"hits"`
	Misses      int64     `json:"misses"`
	PopulatedAt time.Time `json:"populated_at"`
}
