package identity

import (
	"sync"
	"time"

	"github.com/lrhodin/chatbroker/pkg/database"
)

type cacheKey struct {
	accountID int64
	kind      database.RecipientType
	scope     string
	id        string
}

type cacheEntry struct {
	result  Result
	expires time.Time
}

// successCache remembers positive resolutions only. Misses are never stored
// so the next message retries the whole cascade.
type successCache struct {
	lock    sync.Mutex
	ttl     time.Duration
	entries map[cacheKey]cacheEntry
	now     func() time.Time
}

func newSuccessCache(ttl time.Duration) *successCache {
	return &successCache{ttl: ttl, entries: make(map[cacheKey]cacheEntry), now: time.Now}
}

func (c *successCache) get(key cacheKey) (Result, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return Result{}, false
	}
	if c.now().After(entry.expires) {
		delete(c.entries, key)
		return Result{}, false
	}
	return entry.result, true
}

func (c *successCache) put(key cacheKey, result Result) {
	c.lock.Lock()
	defer c.lock.Unlock()
	now := c.now()
	c.entries[key] = cacheEntry{result: result, expires: now.Add(c.ttl)}
	if len(c.entries)%1024 == 0 {
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
	}
}

func (c *successCache) forget(key cacheKey) {
	c.lock.Lock()
	delete(c.entries, key)
	c.lock.Unlock()
}
