// Package cache provides a bounded in-process cache that evicts entries both
// by age and by recency.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// TTLLRU is a size-bounded cache whose entries also expire a fixed TTL after
// they were written.  Reads refresh recency but not expiry.  It is safe for
// concurrent use.
type TTLLRU[K comparable, V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	ll      *list.List // front = most recently used
	items   map[K]*list.Element
	now     func() time.Time
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// Option configures a TTLLRU.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a cache holding at most maxSize entries for ttl each.  It
// panics when maxSize or ttl is not positive.
func New[K comparable, V any](maxSize int, ttl time.Duration, opts ...Option) *TTLLRU[K, V] {
	if maxSize <= 0 {
		panic("cache: maxSize must be positive")
	}
	if ttl <= 0 {
		panic("cache: ttl must be positive")
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &TTLLRU[K, V]{
		ttl:     ttl,
		maxSize: maxSize,
		ll:      list.New(),
		items:   make(map[K]*list.Element),
		now:     o.now,
	}
}

// Put stores value under key with a fresh expiry and marks it most recently
// used.  When the cache is over capacity the least recently used entry is
// evicted.
func (c *TTLLRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		e.value = value
		e.expiresAt = expiresAt
		c.ll.MoveToFront(el)
		return
	}
	c.items[key] = c.ll.PushFront(&entry[K, V]{key: key, value: value, expiresAt: expiresAt})
	for c.ll.Len() > c.maxSize {
		c.removeElement(c.ll.Back())
	}
}

// Get returns the value for key.  An expired entry is removed and reported
// as absent.
func (c *TTLLRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if c.now().After(e.expiresAt) {
		c.removeElement(el)
		return zero, false
	}
	c.ll.MoveToFront(el)
	return e.value, true
}

// Delete removes key if present.
func (c *TTLLRU[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Len purges expired entries and returns the number left.
func (c *TTLLRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if now.After(el.Value.(*entry[K, V]).expiresAt) {
			c.removeElement(el)
		}
		el = prev
	}
	return c.ll.Len()
}

func (c *TTLLRU[K, V]) removeElement(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*entry[K, V]).key)
}
