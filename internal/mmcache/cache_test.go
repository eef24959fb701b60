package mmcache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T, capacity, shards int) *Cache {
	t.Helper()
	c, err := newWithShards(capacity, shards)
	require.NoError(t, err)
	return c
}

func TestClampCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, ClampCapacity(0))
	assert.Equal(t, MinCapacity, ClampCapacity(3))
	assert.Equal(t, MaxCapacity, ClampCapacity(1<<20))
	assert.Equal(t, 4096, ClampCapacity(4096))
}

func TestPutGet(t *testing.T) {
	c, err := New(DefaultCapacity)
	require.NoError(t, err)
	assert.Equal(t, DefaultCapacity, c.Capacity())

	_, ok := c.Get(0xdead)
	assert.False(t, ok)

	c.Put(0xdead, 2)
	cpu, ok := c.Get(0xdead)
	require.True(t, ok)
	assert.Equal(t, 2, cpu)

	c.Put(0xdead, 5)
	cpu, ok = c.Get(0xdead)
	require.True(t, ok)
	assert.Equal(t, 5, cpu)
	assert.Equal(t, 1, c.Len())
}

func TestEvictsColdest(t *testing.T) {
	c := newCache(t, 3, 1)

	c.Put(1, 1)
	c.Put(2, 2)
	c.Put(3, 3)
	// touch 1 so 2 becomes the coldest
	_, ok := c.Get(1)
	require.True(t, ok)

	c.Put(4, 4)

	_, ok = c.Get(2)
	assert.False(t, ok, "coldest entry should be evicted")
	for _, mm := range []uint64{1, 3, 4} {
		_, ok := c.Get(mm)
		assert.True(t, ok, "mm %d", mm)
	}
	assert.Equal(t, uint64(1), c.Evictions())
	assert.Equal(t, 3, c.Len())
}

func TestUpdateDoesNotEvict(t *testing.T) {
	c := newCache(t, 2, 1)
	c.Put(1, 1)
	c.Put(2, 2)
	c.Put(1, 7)
	c.Put(2, 8)

	assert.Zero(t, c.Evictions())
	cpu, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, 7, cpu)
}

func TestFullCacheNeverExceedsCapacity(t *testing.T) {
	c, err := New(MinCapacity)
	require.NoError(t, err)
	for mm := uint64(0); mm < 10_000; mm++ {
		c.Put(mm, int(mm%8))
	}
	assert.LessOrEqual(t, c.Len(), c.Capacity())
	assert.Equal(t, uint64(10_000-c.Len()), c.Evictions())
}

func TestConcurrentAccess(t *testing.T) {
	c, err := New(1024)
	require.NoError(t, err)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				mm := uint64(g*10_000 + i%300)
				c.Put(mm, g)
				c.Get(mm)
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), c.Capacity())
}
