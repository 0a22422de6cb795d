package lrucache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.gatekeep.dev/throttle/lrucache"
)

func TestGetInsertRemove(t *testing.T) {
	m := lrucache.New[string, int](4)

	_, ok := m.Get("a")
	assert.False(t, ok)

	m.Insert("a", 1)
	v, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	m.Insert("a", 2)
	v, ok = m.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	v, ok = m.Remove("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = m.Get("a")
	assert.False(t, ok)
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	m := lrucache.New[string, int](2)

	m.Insert("k1", 1)
	m.Insert("k2", 2)
	m.Insert("k3", 3) // evicts k1, the LRU entry

	_, ok := m.Get("k1")
	assert.False(t, ok)

	_, ok = m.Get("k2")
	assert.True(t, ok)

	_, ok = m.Get("k3")
	assert.True(t, ok)

	assert.Equal(t, 2, m.Len())
}

func TestGetRefreshesRecency(t *testing.T) {
	m := lrucache.New[string, int](2)

	m.Insert("k1", 1)
	m.Insert("k2", 2)
	m.Get("k1")        // k1 is now most-recently-used
	m.Insert("k3", 3) // should evict k2, not k1

	_, ok := m.Get("k1")
	assert.True(t, ok)

	_, ok = m.Get("k2")
	assert.False(t, ok)
}

func TestRetain(t *testing.T) {
	m := lrucache.New[string, int](10)
	m.Insert("even", 2)
	m.Insert("odd", 1)
	m.Insert("also-even", 4)

	m.Retain(func(k string, v int) bool {
		return v%2 == 0
	})

	_, ok := m.Get("even")
	assert.True(t, ok)
	_, ok = m.Get("also-even")
	assert.True(t, ok)
	_, ok = m.Get("odd")
	assert.False(t, ok)
}

func TestEvictStaleBoundsWork(t *testing.T) {
	m := lrucache.New[string, int](10)
	for i := 0; i < 5; i++ {
		m.Insert(string(rune('a'+i)), i)
	}

	removed := m.EvictStale(2, func(k string, v int) bool { return true })
	assert.Equal(t, 2, removed)
	assert.Equal(t, 3, m.Len())
}

func TestNewPanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() {
		lrucache.New[string, int](0)
	})
}
