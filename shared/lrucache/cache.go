// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package lrucache implements a bounded cache with least-recently-used
// eviction.
package lrucache

import (
	"container/list"
	"sync"
)

// Cache keeps up to a fixed number of values for string keys, evicting the
// least recently used entry before an insert would exceed capacity. A
// non-positive capacity disables caching entirely.
type Cache[V any] struct {
	mu       sync.Mutex
	capacity int
	data     map[string]*list.Element
	order    *list.List
}

type entry[V any] struct {
	key   string
	value V
}

// New constructs a Cache with the given capacity.
func New[V any](capacity int) *Cache[V] {
	return &Cache[V]{
		capacity: capacity,
		data:     make(map[string]*list.Element, max(capacity, 0)),
		order:    list.New(),
	}
}

// Get returns the value for key if present and promotes it to most recently
// used.
func (cache *Cache[V]) Get(key string) (value V, ok bool) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	elem, ok := cache.data[key]
	if !ok {
		return value, false
	}
	cache.order.MoveToFront(elem)
	return elem.Value.(entry[V]).value, true
}

// Add inserts or replaces the value for key as the most recently used entry,
// evicting from the least recently used end first so that the cache never
// exceeds its capacity.
func (cache *Cache[V]) Add(key string, value V) {
	if cache.capacity <= 0 {
		return
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()

	if elem, ok := cache.data[key]; ok {
		elem.Value = entry[V]{key: key, value: value}
		cache.order.MoveToFront(elem)
		return
	}
	for cache.order.Len() >= cache.capacity {
		back := cache.order.Back()
		delete(cache.data, back.Value.(entry[V]).key)
		cache.order.Remove(back)
	}
	cache.data[key] = cache.order.PushFront(entry[V]{key: key, value: value})
}

// Len returns the number of cached entries.
func (cache *Cache[V]) Len() int {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return cache.order.Len()
}

// Keys returns all cached keys ordered from most to least recently used.
func (cache *Cache[V]) Keys() []string {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	keys := make([]string, 0, cache.order.Len())
	for elem := cache.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(entry[V]).key)
	}
	return keys
}

// Range calls fn for every cached entry without changing recency order.
func (cache *Cache[V]) Range(fn func(key string, value V) bool) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	for elem := cache.order.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(entry[V])
		if !fn(e.key, e.value) {
			return
		}
	}
}

// Clear drops every cached entry.
func (cache *Cache[V]) Clear() {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.data = make(map[string]*list.Element, max(cache.capacity, 0))
	cache.order.Init()
}
