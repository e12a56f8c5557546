// Package cachegc provides a size-bounded in-memory cache with expiring entries.
package cachegc

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// Cache is a local in-memory caching layer shared by concurrent jobs.
// It is safe for concurrent use.
type Cache struct {
	lru *lru.Cache
	TTL time.Duration
	now func() time.Time
}

type cacheEntry struct {
	data        interface{}
	lastUpdated time.Time
}

// NewCache creates a new caching layer that keeps the number of entries specified.
func NewCache(size int, ttl time.Duration) (*Cache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: c, TTL: ttl, now: time.Now}, nil
}

// Set adds or refreshes an item.
func (c *Cache) Set(key, value interface{}) {
	c.lru.Add(key, &cacheEntry{data: value, lastUpdated: c.now()})
}

// Get returns an item in the cache, ignoring expired items.
func (c *Cache) Get(key interface{}) (value interface{}, ok bool) {
	entryI, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	entry := entryI.(*cacheEntry)
	if c.expired(entry) {
		c.lru.Remove(key)
		c.GC()
		return nil, false
	}
	return entry.data, true
}

// Remove drops an item.
func (c *Cache) Remove(key interface{}) {
	c.lru.Remove(key)
}

// Len returns the number of entries, including expired ones not yet collected.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// GC drops expired entries from the oldest end until it finds a live one.
// Returns the number of dropped entries.
func (c *Cache) GC() int {
	var dropped int
	for {
		key, entryI, ok := c.lru.GetOldest()
		if !ok {
			return dropped
		}
		if !c.expired(entryI.(*cacheEntry)) {
			return dropped
		}
		c.lru.Remove(key)
		dropped++
	}
}

func (c *Cache) expired(entry *cacheEntry) bool {
	return c.TTL > 0 && c.now().Sub(entry.lastUpdated) > c.TTL
}
