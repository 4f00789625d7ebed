// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// lruCache is a fixed-capacity map that evicts the least recently used key.
//
// Thread Safety: All methods are safe for concurrent use.
type lruCache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[K]*list.Element
	order    *list.List // Front = most recent

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// newLRUCache creates a cache holding at most capacity entries.
// Non-positive capacities fall back to DefaultMemoryCapacity.
func newLRUCache[K comparable, V any](capacity int) *lruCache[K, V] {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &lruCache[K, V]{
		capacity: capacity,
		items:    make(map[K]*list.Element),
		order:    list.New(),
	}
}

// get returns the value for key and marks it most recently used.
func (c *lruCache[K, V]) get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		c.hits.Add(1)
		return elem.Value.(*lruEntry[K, V]).value, true
	}

	c.misses.Add(1)
	var zero V
	return zero, false
}

// set inserts or replaces key, evicting the oldest entry when full.
// It reports whether an eviction happened.
func (c *lruCache[K, V]) set(key K, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*lruEntry[K, V]).value = value
		return false
	}

	evicted := false
	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.removeElement(oldest)
			c.evictions.Add(1)
			evicted = true
		}
	}

	c.items[key] = c.order.PushFront(&lruEntry[K, V]{key: key, value: value})
	return evicted
}

// purge drops every entry and resets the counters.
func (c *lruCache[K, V]) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[K]*list.Element)
	c.order.Init()
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
}

func (c *lruCache[K, V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// removeElement unlinks elem from the list and the map.
// Caller must hold the lock.
func (c *lruCache[K, V]) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*lruEntry[K, V]).key)
}
