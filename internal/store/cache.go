package store

import (
	"sync"
	"time"
)

// charProjectCache is the process-wide character→project map described in
// spec §4.1/§5: a 60-second TTL cache, invalidated explicitly by operator
// mutations to projects/characters/generation_styles/world_settings. No
// back-pointers from cache entries to owners, per the arena/identifier
// scheme in spec §9's design notes.
type charProjectCache struct {
	mu        sync.RWMutex
	ttl       time.Duration
	expiresAt time.Time
	entries   map[string]string // character slug -> project id
}

func newCharProjectCache(ttl time.Duration) *charProjectCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &charProjectCache{ttl: ttl}
}

// Invalidate clears the cache immediately; the next lookup repopulates it.
func (c *charProjectCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
	c.expiresAt = time.Time{}
}

func (c *charProjectCache) stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries == nil || time.Now().After(c.expiresAt)
}

func (c *charProjectCache) fill(entries map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = entries
	c.expiresAt = time.Now().Add(c.ttl)
}

func (c *charProjectCache) lookup(slug string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entries == nil {
		return "", false
	}
	projectID, ok := c.entries[slug]
	return projectID, ok
}

// Invalidate clears the store's character→project cache. Call after any
// mutation to projects, characters, generation_styles, or world_settings.
func (s *Store) InvalidateCharacterProjectCache() {
	s.cache.Invalidate()
}
