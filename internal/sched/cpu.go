package sched

import (
	"sync/atomic"
)

// Performance hint levels, in the cpufreq "capacity" scale.
const (
	PerfMax   = 1024
	PerfFloor = PerfMax / 2
)

// perf hysteresis bounds on the smoothed utilisation (1024 = 100%)
const (
	perfRaiseAt = 768 // 75%
	perfLowerAt = 256 // 25%
)

// interactiveShrinkAt is the per-CPU wake-frequency average above which
// slices are cut to 3/4.
const interactiveShrinkAt = 256

// cpuState is one logical CPU. Only the owning CPU writes it in the dispatch
// path; other CPUs read the idle flag and queue length for placement.
type cpuState struct {
	id    int
	local *localQueue

	idle   atomic.Bool
	curr   atomic.Uint64 // running TaskID+1, 0 when none
	direct atomic.Uint64 // TaskID+1 handed off by a wake-up, 0 when empty

	vtimeFloor  atomic.Uint64
	busyNS      atomic.Uint64
	runStart    atomic.Uint64 // when the current task started, 0 when none
	interactive atomic.Uint64
	perf        atomic.Uint32
	netIRQAt    atomic.Uint64

	dispatches  atomic.Uint64
	idles       atomic.Uint64
	directEnq   atomic.Uint64
	localEnq    atomic.Uint64
	globalEnq   atomic.Uint64
	globalTaken atomic.Uint64
}

func newCPUs(n int) []cpuState {
	cpus := make([]cpuState, n)
	for i := range cpus {
		cpus[i].id = i
		cpus[i].local = newLocalQueue()
		cpus[i].idle.Store(true)
		cpus[i].perf.Store(PerfMax)
	}
	return cpus
}

// claim marks an idle CPU busy; only one caller wins.
func (c *cpuState) claim() bool { return c.idle.CompareAndSwap(true, false) }

func (c *cpuState) release() { c.idle.Store(true) }

// hasWork reports whether anything is waiting for this CPU specifically.
func (c *cpuState) hasWork() bool {
	return c.direct.Load() != 0 || c.local.len() > 0
}

// raiseFloor moves the CPU's vtime baseline forward, never back.
func (c *cpuState) raiseFloor(v uint64) { atomicMax(&c.vtimeFloor, v) }

// notePerf applies the perf target hysteresis and returns the target.
func (c *cpuState) notePerf(util uint64) uint32 {
	switch {
	case util >= perfRaiseAt:
		c.perf.Store(PerfMax)
	case util <= perfLowerAt:
		c.perf.Store(PerfFloor)
	}
	return c.perf.Load()
}

// noteWake folds a waking task's frequency into the CPU's interactive
// average.
func (c *cpuState) noteWake(freq uint64) {
	old := c.interactive.Load()
	c.interactive.Store(calcAvg(old, freq))
}

func atomicMax(a *atomic.Uint64, v uint64) uint64 {
	for {
		cur := a.Load()
		if cur >= v {
			return cur
		}
		if a.CompareAndSwap(cur, v) {
			return v
		}
	}
}

// CPUState is a read-only view of a CPU record.
type CPUState struct {
	ID          int
	Idle        bool
	Running     TaskID
	HasRunning  bool
	LocalQueued int
	VTimeFloor  uint64
	BusyNS      uint64
	Interactive uint64
	Perf        uint32
	Dispatches  uint64
}
