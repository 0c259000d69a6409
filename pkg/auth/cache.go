package auth

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cachedPrincipal pins a resolved principal until its expiry. The LRU
// bounds memory; expiry bounds staleness after key or role changes.
type cachedPrincipal struct {
	principal *Principal
	expiresAt time.Time
}

type principalCache struct {
	entries *lru.Cache[string, cachedPrincipal]
}

func newPrincipalCache(size int) (*principalCache, error) {
	entries, err := lru.New[string, cachedPrincipal](size)
	if err != nil {
		return nil, err
	}
	return &principalCache{entries: entries}, nil
}

func (c *principalCache) get(credential string, now time.Time) (*Principal, bool) {
	entry, ok := c.entries.Get(credential)
	if !ok {
		return nil, false
	}
	if now.After(entry.expiresAt) {
		c.entries.Remove(credential)
		return nil, false
	}
	return entry.principal.clone(), true
}

func (c *principalCache) put(credential string, principal *Principal, expiresAt time.Time) {
	c.entries.Add(credential, cachedPrincipal{principal: principal.clone(), expiresAt: expiresAt})
}

func (c *principalCache) purge() {
	c.entries.Purge()
}

func (c *principalCache) len() int {
	return c.entries.Len()
}
