// ABOUTME: Tests for the idempotency cache
// ABOUTME: Validates TTL expiration, first-writer-wins, eviction order, cleanup and concurrency

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time without sleeping.
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
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(ttl time.Duration, size int) (*Cache[string], *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New[string](ttl, size)
	c.now = clock.Now
	return c, clock
}

func TestCache_LookupMissing(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)
	defer c.Close()

	_, ok := c.Lookup("never-seen")
	assert.False(t, ok)
}

func TestCache_RememberFirstWins(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)
	defer c.Close()

	got, loaded := c.Remember("idem-1", "run-a")
	assert.False(t, loaded)
	assert.Equal(t, "run-a", got)

	got, loaded = c.Remember("idem-1", "run-b")
	assert.True(t, loaded)
	assert.Equal(t, "run-a", got, "retries return the original value")

	v, ok := c.Lookup("idem-1")
	require.True(t, ok)
	assert.Equal(t, "run-a", v)
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)
	defer c.Close()

	c.Store("k", "v1")
	clock.Advance(time.Minute)

	_, ok := c.Lookup("k")
	assert.False(t, ok, "entries expire once the TTL has elapsed")

	got, loaded := c.Remember("k", "v2")
	assert.False(t, loaded)
	assert.Equal(t, "v2", got)
}

func TestCache_StoreRefreshes(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)
	defer c.Close()

	c.Store("k", "v1")
	clock.Advance(40 * time.Second)
	c.Store("k", "v2")
	clock.Advance(40 * time.Second)

	v, ok := c.Lookup("k")
	require.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestCache_EvictionOrder(t *testing.T) {
	c, _ := newTestCache(time.Minute, 3)
	defer c.Close()

	c.Store("first", "1")
	c.Store("second", "2")
	c.Store("third", "3")
	c.Store("fourth", "4")

	_, ok := c.Lookup("first")
	assert.False(t, ok, "oldest entry is evicted")
	for _, k := range []string{"second", "third", "fourth"} {
		_, ok := c.Lookup(k)
		assert.True(t, ok, k)
	}

	// Refreshing moves an entry to the back of the eviction order.
	c.Store("second", "2b")
	c.Store("fifth", "5")
	_, ok = c.Lookup("third")
	assert.False(t, ok)
	_, ok = c.Lookup("second")
	assert.True(t, ok)
}

func TestCache_Forget(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)
	defer c.Close()

	c.Store("k", "v")
	c.Forget("k")
	c.Forget("k")

	_, ok := c.Lookup("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_Cleanup(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)
	defer c.Close()

	c.Store("a", "1")
	c.Store("b", "2")
	clock.Advance(2 * time.Minute)
	c.Store("c", "3")

	c.runCleanup()

	assert.Equal(t, 1, c.Len())
	_, ok := c.Lookup("c")
	assert.True(t, ok)
}

func TestCache_RememberAtomic(t *testing.T) {
	c := New[string](5*time.Minute, 100)
	defer c.Close()

	const numGoroutines = 100
	var winners atomic.Int32
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			if _, loaded := c.Remember("contested", fmt.Sprintf("run-%d", id)); !loaded {
				winners.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load(), "exactly one caller stores the value")
}

func TestCache_Close(t *testing.T) {
	c := New[int](time.Minute, 10)
	c.Store("k", 1)
	c.Close()
	c.Close()
}
