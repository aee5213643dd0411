// ABOUTME: Thread-safe generic LRU cache with an optional idle TTL.
// ABOUTME: Backs conversation eviction and event deduplication.

package lru

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// entry is the list payload for a cached key.
type entry[K comparable, V any] struct {
	key      K
	value    V
	lastUsed time.Time
}

// Cache is a thread-safe, size-limited cache. Entries idle longer than ttl
// are treated as absent; a ttl of zero disables expiry. A maxSize of zero
// or less means unbounded.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	items   map[K]*list.Element
	order   *list.List // least recently used at front
	ttl     time.Duration
	maxSize int
	onEvict func(K, V)
	pinned  func(V) bool
	now     func() time.Time
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithOnEvict registers a callback invoked (outside the lock) for every entry
// removed by capacity pressure or expiry.
func WithOnEvict[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(c *Cache[K, V]) { c.onEvict = fn }
}

// WithPinned registers a predicate for values that must stay cached. Pinned
// entries are skipped by capacity eviction and never expire, so the cache
// may exceed maxSize while everything in it is pinned. The predicate runs
// with the cache lock held.
func WithPinned[K comparable, V any](fn func(V) bool) Option[K, V] {
	return func(c *Cache[K, V]) { c.pinned = fn }
}

// WithClock overrides the time source.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *Cache[K, V]) { c.now = now }
}

// New creates a cache with the given idle TTL and maximum size.
func New[K comparable, V any](ttl time.Duration, maxSize int, opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		items:   make(map[K]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value for key and marks it as recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	var evicted []*entry[K, V]
	defer func() { c.mu.Unlock(); c.notify(evicted) }()

	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	now := c.now()
	if c.expired(e, now) {
		c.removeLocked(el)
		evicted = append(evicted, e)
		var zero V
		return zero, false
	}
	e.lastUsed = now
	c.order.MoveToBack(el)
	return e.value, true
}

// GetOrCreate returns the live value for key, or stores and returns the
// result of create when the key is absent or expired.
func (c *Cache[K, V]) GetOrCreate(key K, create func() V) V {
	c.mu.Lock()
	var evicted []*entry[K, V]
	defer func() { c.mu.Unlock(); c.notify(evicted) }()

	now := c.now()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		if !c.expired(e, now) {
			e.lastUsed = now
			c.order.MoveToBack(el)
			return e.value
		}
		c.removeLocked(el)
		evicted = append(evicted, e)
	}

	v := create()
	evicted = append(evicted, c.putLocked(key, v, now)...)
	return v
}

// Put stores value under key, evicting the least recently used entry if the
// cache is full.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	var evicted []*entry[K, V]
	defer func() { c.mu.Unlock(); c.notify(evicted) }()

	now := c.now()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		e.value = value
		e.lastUsed = now
		c.order.MoveToBack(el)
		return
	}
	evicted = c.putLocked(key, value, now)
}

// CheckAndMark reports whether key was already present and live. When it
// was not, the key is recorded with the zero value.
func (c *Cache[K, V]) CheckAndMark(key K) bool {
	c.mu.Lock()
	var evicted []*entry[K, V]
	defer func() { c.mu.Unlock(); c.notify(evicted) }()

	now := c.now()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		if !c.expired(e, now) {
			return true
		}
		c.removeLocked(el)
	}
	var zero V
	evicted = c.putLocked(key, zero, now)
	return false
}

// Delete removes key without invoking the eviction callback.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
}

// Len returns the number of stored entries, including expired ones that
// have not been swept yet.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns the stored keys from least to most recently used.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]K, 0, len(c.items))
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[K, V]).key)
	}
	return keys
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Cache[K, V]) Sweep() int {
	if c.ttl <= 0 {
		return 0
	}
	c.mu.Lock()
	var evicted []*entry[K, V]
	now := c.now()
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry[K, V])
		// Recency order means everything after the first fresh entry is fresh.
		if !c.stale(e, now) {
			break
		}
		if !c.isPinned(e) {
			c.removeLocked(el)
			evicted = append(evicted, e)
		}
		el = next
	}
	c.mu.Unlock()
	c.notify(evicted)
	return len(evicted)
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (c *Cache[K, V]) RunSweeper(ctx context.Context, interval time.Duration) {
	if c.ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// putLocked inserts a new key, evicting the least recently used unpinned
// entries while the cache is full. Must be called with mu held.
func (c *Cache[K, V]) putLocked(key K, value V, now time.Time) []*entry[K, V] {
	var evicted []*entry[K, V]
	el := c.order.Front()
	for c.maxSize > 0 && len(c.items) >= c.maxSize && el != nil {
		next := el.Next()
		if e := el.Value.(*entry[K, V]); !c.isPinned(e) {
			evicted = append(evicted, e)
			c.removeLocked(el)
		}
		el = next
	}
	c.items[key] = c.order.PushBack(&entry[K, V]{key: key, value: value, lastUsed: now})
	return evicted
}

// removeLocked drops an element. Must be called with mu held.
func (c *Cache[K, V]) removeLocked(el *list.Element) {
	e := el.Value.(*entry[K, V])
	c.order.Remove(el)
	delete(c.items, e.key)
}

func (c *Cache[K, V]) stale(e *entry[K, V], now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.lastUsed) > c.ttl
}

func (c *Cache[K, V]) expired(e *entry[K, V], now time.Time) bool {
	return c.stale(e, now) && !c.isPinned(e)
}

func (c *Cache[K, V]) isPinned(e *entry[K, V]) bool {
	return c.pinned != nil && c.pinned(e.value)
}

func (c *Cache[K, V]) notify(evicted []*entry[K, V]) {
	if c.onEvict == nil {
		return
	}
	for _, e := range evicted {
		c.onEvict(e.key, e.value)
	}
}
