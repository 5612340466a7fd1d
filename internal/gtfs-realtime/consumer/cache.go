package consumer

import (
	"sync"
	"time"
)

// cacheEntry is never modified after it is stored.
type cacheEntry struct {
	value    interface{}
	outcome  Outcome
	storedAt time.Time
	expires  time.Time
}

// feedCache keeps one TTL entry per (endpoint, params) key. Keys are
// independent: writers replace whole entries, readers never see a partial
// one.
type feedCache struct {
	data sync.Map // string -> *cacheEntry
}

func newFeedCache() *feedCache {
	return &feedCache{}
}

// get returns a live entry no older than maxAge. The same key can be
// read with different freshness needs, so a long-lived entry stored for
// one caller is refused to a caller that needs a shorter TTL. A
// non-positive maxAge accepts any live entry.
func (c *feedCache) get(key string, now time.Time, maxAge time.Duration) (*cacheEntry, bool) {
	v, ok := c.data.Load(key)
	if !ok {
		return nil, false
	}
	entry := v.(*cacheEntry)
	if !now.Before(entry.expires) {
		return nil, false
	}
	if maxAge > 0 && now.Sub(entry.storedAt) >= maxAge {
		return nil, false
	}
	return entry, true
}

func (c *feedCache) set(key string, value interface{}, outcome Outcome, ttl time.Duration, now time.Time) {
	if ttl <= 0 {
		return
	}
	c.data.Store(key, &cacheEntry{value: value, outcome: outcome, storedAt: now, expires: now.Add(ttl)})
}

// sweep drops expired entries and returns how many remain.
func (c *feedCache) sweep(now time.Time) int {
	remaining := 0
	c.data.Range(func(k, v interface{}) bool {
		if !now.Before(v.(*cacheEntry).expires) {
			c.data.CompareAndDelete(k, v)
		} else {
			remaining++
		}
		return true
	})
	return remaining
}
