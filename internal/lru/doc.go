// Package lru provides a generic, size-bounded cache with optional idle
// expiry. Entries are kept in recency order so the least recently used key
// is evicted first once the cache is full.
//
// The same cache backs conversation eviction and Matrix event
// deduplication:
//
//	seen := lru.New[string, struct{}](5*time.Minute, 10000)
//	if seen.CheckAndMark(evt.ID.String()) {
//	    return // duplicate
//	}
package lru
