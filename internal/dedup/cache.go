// Package dedup implements the bounded, time-decaying seen cache that
// suppresses re-notification of review events.
package dedup

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type entry struct {
	firstSeenAt time.Time
}

// SeenCache is a bounded membership cache keyed by event fingerprint. An
// entry older than the TTL is treated as absent even if still resident, and
// is refreshed on that miss. Capacity pressure evicts the least recently
// used entry, live or not; the cache favours bounded memory over perfect
// recall.
type SeenCache struct {
	mu       sync.Mutex
	lru      *lru.Cache[string, entry]
	ttl      time.Duration
	capacity int
	clock    func() time.Time

	hits   uint64
	misses uint64
}

// NewSeenCache constructs a seen cache with the given capacity and TTL.
func NewSeenCache(capacity int, ttl time.Duration) (*SeenCache, error) {
	cache, err := lru.New[string, entry](capacity)
	if err != nil {
		return nil, err
	}
	return &SeenCache{
		lru:      cache,
		ttl:      ttl,
		capacity: capacity,
		clock:    time.Now,
	}, nil
}

// WithClock overrides the internal clock, primarily for testing.
func (c *SeenCache) WithClock(clock func() time.Time) *SeenCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	if clock == nil {
		c.clock = time.Now
	} else {
		c.clock = clock
	}
	return c
}

// Seen reports whether the fingerprint was observed within the TTL window,
// recording it as seen when it was not. The membership check and the insert
// are a single critical section: two concurrent arrivals of the same
// fingerprint cannot both observe "not seen".
func (c *SeenCache) Seen(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	if e, ok := c.lru.Get(fingerprint); ok {
		if now.Sub(e.firstSeenAt) <= c.ttl {
			c.hits++
			return true
		}
		// Expired entry: logically absent; refresh in place.
	}
	c.misses++
	c.lru.Add(fingerprint, entry{firstSeenAt: now})
	return false
}

// Contains reports membership without mutating recency or recording a miss.
func (c *SeenCache) Contains(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Peek(fingerprint)
	if !ok {
		return false
	}
	return c.clock().Sub(e.firstSeenAt) <= c.ttl
}

// Len returns the number of physically resident entries, expired or not.
func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats reports cumulative hit and miss counts.
func (c *SeenCache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// HitRate returns the fraction of lookups answered as duplicates.
func (c *SeenCache) HitRate() float64 {
	hits, misses := c.Stats()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// TTL exposes the configured membership window.
func (c *SeenCache) TTL() time.Duration { return c.ttl }

// Capacity exposes the configured entry bound.
func (c *SeenCache) Capacity() int { return c.capacity }
