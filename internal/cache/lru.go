// Package cache implements the bounded LRU+TTL store shared by the function
// cache and context memory, and the function cache itself.
package cache

import (
	"container/list"
	"time"
)

// EvictReason says why an entry left the store.
type EvictReason string

const (
	EvictCapacity EvictReason = "capacity"
	EvictExpired  EvictReason = "expired"
	EvictTrim     EvictReason = "trim"
)

// Options configures an LRU.
type Options struct {
	// MaxSize bounds the number of entries. Values below 1 are treated as 1.
	MaxSize int

	// TTL is the default time-to-live for Set. Zero means entries never expire.
	TTL time.Duration

	// CleanupInterval is the minimum time between full expiry sweeps run from
	// Set. Zero disables sweeping from Set.
	CleanupInterval time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time

	// OnEvict is called for every entry removed by capacity, expiry or trim.
	OnEvict func(key string, reason EvictReason)
}

// Entry is a stored value with its access metadata.
type Entry[V any] struct {
	Key        string
	Value      V
	CreatedAt  time.Time
	TTL        time.Duration
	LastAccess time.Time
	Accesses   int
}

func (e *Entry[V]) expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) > e.TTL
}

// Stats are the store's observability counters.
type Stats struct {
	Size        int       `json:"size"`
	MaxSize     int       `json:"max_size"`
	Hits        uint64    `json:"hits"`
	Misses      uint64    `json:"misses"`
	Evictions   uint64    `json:"evictions"`
	Expired     uint64    `json:"expired"`
	Cleanups    uint64    `json:"cleanups"`
	HitRate     float64   `json:"hit_rate"`
	LastCleanup time.Time `json:"last_cleanup"`
}

// LRU is a size-bounded, least-recently-used store with per-entry TTL.
// It is not safe for concurrent use; owners serialize access.
type LRU[V any] struct {
	opts        Options
	ll          *list.List // front = most recently used
	items       map[string]*list.Element
	lastCleanup time.Time
	stats       Stats
}

// NewLRU creates an empty store.
func NewLRU[V any](opts Options) *LRU[V] {
	if opts.MaxSize < 1 {
		opts.MaxSize = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &LRU[V]{
		opts:        opts,
		ll:          list.New(),
		items:       make(map[string]*list.Element),
		lastCleanup: opts.Now(),
	}
}

// Get returns the value for key and marks it most recently used.
// An expired entry is removed and reported as a miss.
func (c *LRU[V]) Get(key string) (V, bool) {
	var zero V
	el, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	now := c.opts.Now()
	e := el.Value.(*Entry[V])
	if e.expired(now) {
		c.remove(el, EvictExpired)
		c.stats.Misses++
		return zero, false
	}
	c.ll.MoveToFront(el)
	e.LastAccess = now
	e.Accesses++
	c.stats.Hits++
	return e.Value, true
}

// Peek returns the value for key without touching recency or counters.
func (c *LRU[V]) Peek(key string) (V, bool) {
	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*Entry[V])
	if e.expired(c.opts.Now()) {
		return zero, false
	}
	return e.Value, true
}

// Set stores value under key with the default TTL.
func (c *LRU[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.opts.TTL)
}

// SetWithTTL stores value under key. A ttl of zero never expires.
// When the store is full the least recently used entry is evicted first.
func (c *LRU[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	now := c.opts.Now()

	if el, ok := c.items[key]; ok {
		e := el.Value.(*Entry[V])
		e.Value = value
		e.CreatedAt = now
		e.TTL = ttl
		e.LastAccess = now
		c.ll.MoveToFront(el)
	} else {
		for c.ll.Len() >= c.opts.MaxSize {
			c.remove(c.ll.Back(), EvictCapacity)
		}
		e := &Entry[V]{Key: key, Value: value, CreatedAt: now, TTL: ttl, LastAccess: now}
		c.items[key] = c.ll.PushFront(e)
	}

	if c.opts.CleanupInterval > 0 && now.Sub(c.lastCleanup) > c.opts.CleanupInterval {
		c.RemoveExpired()
	}
}

// Update replaces the value of a live entry, keeping its TTL and creation
// time. It reports false when key is absent or expired.
func (c *LRU[V]) Update(key string, fn func(old V) V) bool {
	el, ok := c.items[key]
	if !ok {
		return false
	}
	now := c.opts.Now()
	e := el.Value.(*Entry[V])
	if e.expired(now) {
		c.remove(el, EvictExpired)
		return false
	}
	e.Value = fn(e.Value)
	e.LastAccess = now
	c.ll.MoveToFront(el)
	return true
}

// Delete removes key. It reports whether the key was present.
func (c *LRU[V]) Delete(key string) bool {
	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.ll.Remove(el)
	delete(c.items, key)
	return true
}

// RemoveExpired sweeps every expired entry and returns how many were removed.
func (c *LRU[V]) RemoveExpired() int {
	now := c.opts.Now()
	removed := 0
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*Entry[V]).expired(now) {
			c.remove(el, EvictExpired)
			removed++
		}
		el = prev
	}
	c.lastCleanup = now
	c.stats.Cleanups++
	c.stats.LastCleanup = now
	return removed
}

// TrimTo evicts least recently used entries until at most n remain.
func (c *LRU[V]) TrimTo(n int) int {
	if n < 0 {
		n = 0
	}
	removed := 0
	for c.ll.Len() > n {
		c.remove(c.ll.Back(), EvictTrim)
		removed++
	}
	return removed
}

// Keys returns keys from least to most recently used.
func (c *LRU[V]) Keys() []string {
	keys := make([]string, 0, c.ll.Len())
	for el := c.ll.Back(); el != nil; el = el.Prev() {
		keys = append(keys, el.Value.(*Entry[V]).Key)
	}
	return keys
}

// Entry returns a copy of the entry metadata for key.
func (c *LRU[V]) Entry(key string) (Entry[V], bool) {
	el, ok := c.items[key]
	if !ok {
		return Entry[V]{}, false
	}
	return *el.Value.(*Entry[V]), true
}

// Len returns the number of stored entries, expired or not.
func (c *LRU[V]) Len() int {
	return c.ll.Len()
}

// MaxSize returns the capacity.
func (c *LRU[V]) MaxSize() int {
	return c.opts.MaxSize
}

// Purge drops every entry. Counters are kept.
func (c *LRU[V]) Purge() {
	c.ll.Init()
	c.items = make(map[string]*list.Element)
}

// ResetStats zeroes the counters.
func (c *LRU[V]) ResetStats() {
	c.stats = Stats{}
}

// Stats returns a snapshot of the counters.
func (c *LRU[V]) Stats() Stats {
	s := c.stats
	s.Size = c.ll.Len()
	s.MaxSize = c.opts.MaxSize
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

func (c *LRU[V]) remove(el *list.Element, reason EvictReason) {
	e := el.Value.(*Entry[V])
	c.ll.Remove(el)
	delete(c.items, e.Key)
	switch reason {
	case EvictExpired:
		c.stats.Expired++
	default:
		c.stats.Evictions++
	}
	if c.opts.OnEvict != nil {
		c.opts.OnEvict(e.Key, reason)
	}
}
