// ABOUTME: Tests for the generic LRU cache.
// ABOUTME: Covers recency eviction, idle expiry, eviction callbacks, and concurrency.

package lru

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestCache_GetPut(t *testing.T) {
	c := New[string, int](0, 10)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Put("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	c.Put("a", 2)
	v, _ = c.Get("a")
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	c := New[string, int](0, 2, WithOnEvict(func(k string, _ int) {
		evicted = append(evicted, k)
	}))

	c.Put("a", 1)
	c.Put("b", 2)
	_, _ = c.Get("a") // a is now most recent
	c.Put("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok, "b should have been evicted")
	assert.Equal(t, []string{"b"}, evicted)
	assert.Equal(t, []string{"a", "c"}, c.Keys())
}

func TestCache_IdleExpiry(t *testing.T) {
	clock := newClock()
	c := New[string, int](time.Minute, 10, WithClock[string, int](clock.Now))

	c.Put("a", 1)
	clock.Advance(30 * time.Second)
	_, ok := c.Get("a")
	require.True(t, ok)

	// Get refreshed the entry, so another 45s keeps it alive.
	clock.Advance(45 * time.Second)
	_, ok = c.Get("a")
	require.True(t, ok)

	clock.Advance(2 * time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_GetOrCreate(t *testing.T) {
	c := New[string, *int](0, 10)
	calls := 0
	create := func() *int {
		calls++
		v := calls
		return &v
	}

	first := c.GetOrCreate("k", create)
	second := c.GetOrCreate("k", create)
	assert.Same(t, first, second)
	assert.Equal(t, 1, calls)
}

func TestCache_CheckAndMark(t *testing.T) {
	clock := newClock()
	c := New[string, struct{}](5*time.Minute, 100, WithClock[string, struct{}](clock.Now))

	assert.False(t, c.CheckAndMark("evt-1"))
	assert.True(t, c.CheckAndMark("evt-1"))

	clock.Advance(10 * time.Minute)
	assert.False(t, c.CheckAndMark("evt-1"), "expired keys are new again")
}

func TestCache_Sweep(t *testing.T) {
	clock := newClock()
	var evicted []string
	c := New[string, int](time.Minute, 10,
		WithClock[string, int](clock.Now),
		WithOnEvict(func(k string, _ int) { evicted = append(evicted, k) }),
	)

	c.Put("old", 1)
	clock.Advance(2 * time.Minute)
	c.Put("new", 2)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, []string{"old"}, evicted)
	assert.Equal(t, []string{"new"}, c.Keys())
}

func TestCache_PinnedEntriesSurviveEviction(t *testing.T) {
	busy := map[string]bool{"a": true}
	var evicted []string
	c := New[string, string](0, 1,
		WithPinned[string, string](func(v string) bool { return busy[v] }),
		WithOnEvict(func(k string, _ string) { evicted = append(evicted, k) }),
	)

	c.Put("a", "a")
	c.Put("b", "b")
	assert.Empty(t, evicted, "pinned entry is kept even over capacity")
	assert.Equal(t, []string{"a", "b"}, c.Keys())

	c.Put("c", "c")
	assert.Equal(t, []string{"b"}, evicted)
	assert.Equal(t, []string{"a", "c"}, c.Keys())

	busy["a"] = false
	c.Put("d", "d")
	assert.Equal(t, []string{"b", "a", "c"}, evicted)
	assert.Equal(t, []string{"d"}, c.Keys())
}

func TestCache_PinnedEntriesDoNotExpire(t *testing.T) {
	clock := newClock()
	pinned := true
	c := New[string, int](time.Minute, 10,
		WithClock[string, int](clock.Now),
		WithPinned[string, int](func(v int) bool { return pinned && v == 1 }),
	)

	c.Put("held", 1)
	c.Put("idle", 2)
	clock.Advance(2 * time.Minute)

	assert.Equal(t, 1, c.Sweep())
	v, ok := c.Get("held")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	pinned = false
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, c.Sweep())
	assert.Zero(t, c.Len())
}

func TestCache_DeleteSkipsCallback(t *testing.T) {
	called := false
	c := New[string, int](0, 10, WithOnEvict(func(string, int) { called = true }))
	c.Put("a", 1)
	c.Delete("a")

	assert.Equal(t, 0, c.Len())
	assert.False(t, called)
}

func TestCache_RunSweeperStopsOnCancel(t *testing.T) {
	c := New[string, int](time.Millisecond, 10)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.RunSweeper(ctx, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestCache_Concurrent(t *testing.T) {
	c := New[string, int](time.Minute, 50)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k-%d-%d", n, j%10)
				c.Put(key, j)
				c.Get(key)
				c.CheckAndMark(key)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 50)
}
