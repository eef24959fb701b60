// internal/sched/tickclock.go

package sched

import (
	"sync"
	"sync/atomic"
	"time"
)

// Tick is one beat of a TickClock, stamped with the engine clock.
type Tick struct {
	Seq int64
	At  uint64
}

// TickClock emits ticks and counts them atomically. A tick the consumer has
// not picked up yet is not queued twice; it is counted as missed.
type TickClock struct {
	C        chan Tick
	clock    Clock
	count    atomic.Int64
	missed   atomic.Int64
	stop     chan struct{}
	stopOnce sync.Once
}

// NewTickClock creates a clock reading time from src but does not start it.
func NewTickClock(src Clock, buffer int) *TickClock {
	return &TickClock{
		C:     make(chan Tick, buffer),
		clock: src,
		stop:  make(chan struct{}),
	}
}

// Start begins emitting ticks at the given interval.
func (c *TickClock) Start(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t := Tick{Seq: c.count.Add(1), At: c.clock.Now()}
				select {
				case c.C <- t:
				default:
					c.missed.Add(1)
				}
			case <-c.stop:
				close(c.C)
				return
			}
		}
	}()
}

// Stop is safe to call more than once.
func (c *TickClock) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *TickClock) Count() int64 { return c.count.Load() }

// Missed returns how many ticks were dropped because the consumer lagged.
func (c *TickClock) Missed() int64 { return c.missed.Load() }
