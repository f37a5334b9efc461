package prompts

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const cacheShards = 32

// Cache is a sharded TTL cache for fetched prompt templates. Expiry is
// lazy: an expired entry is dropped on the read that observes it. An
// optional periodic sweep reclaims entries nothing reads anymore.
type Cache struct {
	shards [cacheShards]cacheShard
	now    func() time.Time
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	template *Template
	expires  time.Time
}

// NewCache creates an empty cache using the wall clock.
func NewCache() *Cache {
	c := &Cache{now: time.Now}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]cacheEntry)
	}
	return c
}

func (c *Cache) shard(key string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.shards[h.Sum32()%cacheShards]
}

// Get returns the cached template for key, or false on a miss. An entry
// past its deadline is removed and reported as a miss.
func (c *Cache) Get(key string) (*Template, bool) {
	s := c.shard(key)

	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if c.now().After(entry.expires) {
		s.mu.Lock()
		// Reload under the write lock: a concurrent Put may have refreshed it.
		if current, ok := s.entries[key]; ok && c.now().After(current.expires) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false
	}

	return entry.template, true
}

// Put stores the template under key with the given TTL.
func (c *Cache) Put(key string, t *Template, ttl time.Duration) {
	s := c.shard(key)
	s.mu.Lock()
	s.entries[key] = cacheEntry{template: t, expires: c.now().Add(ttl)}
	s.mu.Unlock()
}

// Invalidate removes a single entry.
func (c *Cache) Invalidate(key string) {
	s := c.shard(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// InvalidatePrefix removes every entry whose key starts with prefix.
// Used when a prompt is republished: all language/domain variants of a
// name share its prefix.
func (c *Cache) InvalidatePrefix(prefix string) int {
	removed := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for key := range s.entries {
			if strings.HasPrefix(key, prefix) {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Sweep removes all expired entries and returns how many were dropped.
func (c *Cache) Sweep() int {
	removed := 0
	now := c.now()
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for key, entry := range s.entries {
			if now.After(entry.expires) {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of live entries across all shards.
func (c *Cache) Len() int {
	total := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}
	return total
}
