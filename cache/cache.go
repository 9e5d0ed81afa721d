// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cache implements the in-memory store shared by the key
// manager, the dataset manager, and the event aggregator. Entries are
// grouped into buckets and may carry an absolute expiration; expired
// entries are deleted lazily upon Get. There is no active garbage
// collection, so unread expired entries persist until overwritten.
package cache

import (
	"sync"
	"time"
)

// A Bucket identifies a logical group of cache entries.
type Bucket int

const (
	// Keys holds unwrapped (or still-wrapped) data key entries.
	Keys Bucket = iota
	// Events holds pending usage events awaiting a flush.
	Events
	// Datasets holds structured dataset definitions.
	Datasets
	// Ciphers holds memoized format-preserving cipher instances.
	Ciphers
)

type entry struct {
	value      interface{}
	expiration time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiration.IsZero() && !e.expiration.After(now)
}

// Cache is a bucketed key-value store with per-entry TTLs. All
// methods are safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	buckets map[Bucket]map[string]entry
	order   map[Bucket][]string
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		buckets: map[Bucket]map[string]entry{},
		order:   map[Bucket][]string{},
	}
}

func (c *Cache) bucket(b Bucket) map[string]entry {
	m, ok := c.buckets[b]
	if !ok {
		m = map[string]entry{}
		c.buckets[b] = m
	}
	return m
}

func (c *Cache) set(b Bucket, key string, e entry) {
	m := c.bucket(b)
	if _, ok := m[key]; !ok {
		c.order[b] = append(c.order[b], key)
	}
	m[key] = e
}

// Get returns the value stored under key in bucket b. An expired
// entry is treated as a miss and deleted.
func (c *Cache) Get(b Bucket, key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.bucket(b)
	e, ok := m[key]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		delete(m, key)
		c.dropKey(b, key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key in bucket b with no expiration.
func (c *Cache) Set(b Bucket, key string, value interface{}) {
	c.SetTTL(b, key, value, 0)
}

// SetTTL stores value under key in bucket b. A nonzero ttl sets an
// absolute expiration of now+ttl.
func (c *Cache) SetTTL(b Bucket, key string, value interface{}, ttl time.Duration) {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.set(b, key, entry{value: value, expiration: exp})
	c.mu.Unlock()
}

// Update atomically merges-or-inserts under key in bucket b. The
// closure receives the current value (nil on a miss, including an
// expired entry) and returns the value to store. The entry's
// expiration is preserved on merge and absent on insert.
func (c *Cache) Update(b Bucket, key string, fn func(cur interface{}) interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.bucket(b)
	e, ok := m[key]
	if ok && e.expired(time.Now()) {
		delete(m, key)
		c.dropKey(b, key)
		ok = false
	}
	if !ok {
		c.set(b, key, entry{value: fn(nil)})
		return
	}
	e.value = fn(e.value)
	m[key] = e
}

// Copy duplicates the value stored under src to dst within bucket b,
// giving dst the provided ttl. The source's remaining TTL does not
// propagate. Copy is a no-op when src is absent or expired.
func (c *Cache) Copy(b Bucket, src, dst string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.bucket(b)[src]
	if !ok || e.expired(time.Now()) {
		return
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	c.set(b, dst, entry{value: e.value, expiration: exp})
}

// GetAll returns the keys and values in bucket b in insertion order.
// Expired entries are included; callers that care must Get.
func (c *Cache) GetAll(b Bucket) ([]string, []interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.bucket(b)
	keys := make([]string, 0, len(m))
	values := make([]interface{}, 0, len(m))
	for _, k := range c.order[b] {
		if e, ok := m[k]; ok {
			keys = append(keys, k)
			values = append(values, e.value)
		}
	}
	return keys, values
}

// Count returns the number of entries in bucket b. Expired entries
// are counted until something reads them.
func (c *Cache) Count(b Bucket) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bucket(b))
}

// ClearAll removes every entry in bucket b.
func (c *Cache) ClearAll(b Bucket) {
	c.mu.Lock()
	delete(c.buckets, b)
	delete(c.order, b)
	c.mu.Unlock()
}

func (c *Cache) dropKey(b Bucket, key string) {
	keys := c.order[b]
	for i, k := range keys {
		if k == key {
			c.order[b] = append(keys[:i], keys[i+1:]...)
			return
		}
	}
}
