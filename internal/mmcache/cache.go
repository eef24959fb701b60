// Package mmcache is a bounded LRU from an address-space id to the CPU a
// task of that address space last ran on.
package mmcache

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	MinCapacity     = 128
	MaxCapacity     = 65536
	DefaultCapacity = 8192
)

// ClampCapacity keeps a configured size inside [MinCapacity, MaxCapacity].
func ClampCapacity(n int) int {
	switch {
	case n <= 0:
		return DefaultCapacity
	case n < MinCapacity:
		return MinCapacity
	case n > MaxCapacity:
		return MaxCapacity
	}
	return n
}

// Cache is safe for concurrent use. Keys are spread over shards by hash so
// CPUs updating different address spaces rarely share a lock. Each shard
// holds capacity/shards entries and evicts on its own, so a full shard can
// drop its coldest entry while another shard still has room.
type Cache struct {
	shards    []*lru.Cache[uint64, int32]
	capacity  int
	evictions atomic.Uint64
}

// New returns a cache holding at most capacity entries (clamped).
func New(capacity int) (*Cache, error) {
	capacity = ClampCapacity(capacity)
	n := 1
	for n < 16 && capacity/(n*2) >= MinCapacity/4 {
		n *= 2
	}
	return newWithShards(capacity, n)
}

func newWithShards(capacity, n int) (*Cache, error) {
	per := (capacity + n - 1) / n
	c := &Cache{
		shards:   make([]*lru.Cache[uint64, int32], n),
		capacity: per * n,
	}
	for i := range c.shards {
		s, err := lru.NewWithEvict(per, func(uint64, int32) { c.evictions.Add(1) })
		if err != nil {
			return nil, fmt.Errorf("mm cache shard of %d entries: %w", per, err)
		}
		c.shards[i] = s
	}
	return c, nil
}

func (c *Cache) shardFor(mm uint64) *lru.Cache[uint64, int32] {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], mm)
	return c.shards[xxhash.Sum64(buf[:])%uint64(len(c.shards))]
}

// Get returns the last CPU recorded for mm and refreshes its recency.
func (c *Cache) Get(mm uint64) (int, bool) {
	cpu, ok := c.shardFor(mm).Get(mm)
	if !ok {
		return -1, false
	}
	return int(cpu), true
}

// Put records cpu for mm. A full shard evicts its coldest entry.
func (c *Cache) Put(mm uint64, cpu int) {
	c.shardFor(mm).Add(mm, int32(cpu))
}

// Len returns the number of cached address spaces.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		n += s.Len()
	}
	return n
}

// Capacity returns the total number of slots.
func (c *Cache) Capacity() int { return c.capacity }

// Evictions returns how many entries were dropped to make room.
func (c *Cache) Evictions() uint64 { return c.evictions.Load() }
