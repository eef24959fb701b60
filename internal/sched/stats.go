package sched

import (
	"sync/atomic"

	"latsched/internal/boost"
	"latsched/internal/load"
)

// counters are the engine-wide statistics. Per-CPU counters live in
// cpuState and are summed by Snapshot.
type counters struct {
	dispatch   [numRoles]atomic.Uint64
	selections [numReasons]atomic.Uint64
	migrations atomic.Uint64
	mmHits     atomic.Uint64
	mmMisses   atomic.Uint64
	globalFull atomic.Uint64
	globalBusy atomic.Uint64
	untracked  atomic.Uint64
	duplicate  atomic.Uint64
	created    atomic.Uint64
	exited     atomic.Uint64
	reinit     atomic.Uint64
}

// Stats is a point-in-time copy of the engine statistics.
type Stats struct {
	State      State
	Generation uint32
	Exit       *ExitInfo

	Mode           load.Mode
	Utilisation    uint64 // smoothed, load.Scale = 100%
	UtilisationPct uint64
	ModeSwitches   uint64
	Ticks          uint64

	Dispatches     map[Role]uint64
	Selections     map[Reason]uint64
	Idles          uint64
	DirectEnqueues uint64
	LocalEnqueues  uint64
	GlobalEnqueues uint64
	GlobalTaken    uint64
	Queued         int64

	Migrations          uint64
	MigrationAttempts   uint64
	MigrationsBlocked   uint64
	MigrationsOverrides uint64

	MMHits     uint64
	MMMisses   uint64
	MMHitRate  uint64 // percent
	MMEntries  int
	MMEvicted  uint64
	VTimeFloor uint64

	GlobalQueueFull uint64
	GlobalQueueBusy uint64
	Degraded        uint64
	Untracked       uint64
	TableFull       uint64
	Duplicates      uint64
	LiveTasks       int64
	TasksCreated    uint64
	TasksExited     uint64
	Reinitialised   uint64
	EventsDropped   uint64

	Boost boost.Stats
}

// Snapshot collects the statistics. It is safe to call at any time,
// including after Detach.
func (e *Engine) Snapshot() Stats {
	s := Stats{
		State:          e.State(),
		Generation:     e.epoch.Load(),
		Mode:           e.load.Mode(),
		Utilisation:    e.load.Utilisation(),
		UtilisationPct: e.load.Utilisation() * 100 / load.Scale,
		ModeSwitches:   e.load.Switches(),
		Ticks:          e.ticks.Load(),
		Dispatches:     make(map[Role]uint64, numRoles),
		Selections:     make(map[Reason]uint64, numReasons),
		Queued:         e.queued.Load(),
		Migrations:     e.stats.migrations.Load(),
		MMHits:         e.stats.mmHits.Load(),
		MMMisses:       e.stats.mmMisses.Load(),
		MMEntries:      e.mm.Len(),
		MMEvicted:      e.mm.Evictions(),
		VTimeFloor:     e.vtimeFloor.Load(),

		GlobalQueueFull: e.stats.globalFull.Load(),
		GlobalQueueBusy: e.stats.globalBusy.Load(),
		Untracked:       e.stats.untracked.Load(),
		TableFull:       e.tasks.full.Load(),
		Duplicates:      e.stats.duplicate.Load(),
		LiveTasks:       e.tasks.live.Load(),
		TasksCreated:    e.stats.created.Load(),
		TasksExited:     e.stats.exited.Load(),
		Reinitialised:   e.stats.reinit.Load(),
		EventsDropped:   e.events.dropped.Load(),
		Boost:           e.boost.Stats(),
	}
	if x, ok := e.ExitInfo(); ok {
		s.Exit = &x
	}
	for r := RoleUnknown; r < numRoles; r++ {
		s.Dispatches[r] = e.stats.dispatch[r].Load()
	}
	for r := ReasonPinned; r < numReasons; r++ {
		s.Selections[r] = e.stats.selections[r].Load()
	}
	if total := s.MMHits + s.MMMisses; total > 0 {
		s.MMHitRate = s.MMHits * 100 / total
	}
	mc := e.mig.Counters()
	s.MigrationAttempts = mc.Attempts
	s.MigrationsBlocked = mc.Blocked
	s.MigrationsOverrides = mc.Overridden
	s.Degraded = s.GlobalQueueFull + s.GlobalQueueBusy + s.Untracked

	for i := range e.cpus {
		c := &e.cpus[i]
		s.Idles += c.idles.Load()
		s.DirectEnqueues += c.directEnq.Load()
		s.LocalEnqueues += c.localEnq.Load()
		s.GlobalEnqueues += c.globalEnq.Load()
		s.GlobalTaken += c.globalTaken.Load()
	}
	return s
}

// TotalDispatches sums dispatches over all roles.
func (s Stats) TotalDispatches() uint64 {
	var n uint64
	for _, v := range s.Dispatches {
		n += v
	}
	return n
}

// Task returns a view of one task record.
func (e *Engine) Task(id TaskID) (TaskState, bool) {
	t := e.tasks.get(id)
	if t == nil {
		return TaskState{}, false
	}
	return TaskState{
		ID:       id,
		Role:     t.roleTag(),
		Lane:     t.laneHint(),
		Weight:   t.weight.Load(),
		VTime:    t.vtime.Load(),
		Deadline: t.deadline,
		Slice:    t.slice,
		CPU:      t.cpu,
		Queue:    t.queue().String(),
		WakeFreq: t.wakeFreq,
		Boosted:  t.boosted.Load(),
	}, true
}

// CPU returns a view of one CPU record.
func (e *Engine) CPU(cpu int) (CPUState, bool) {
	if cpu < 0 || cpu >= len(e.cpus) {
		return CPUState{}, false
	}
	c := &e.cpus[cpu]
	cur := c.curr.Load()
	return CPUState{
		ID:          cpu,
		Idle:        c.idle.Load(),
		Running:     TaskID(cur - 1),
		HasRunning:  cur != 0,
		LocalQueued: c.local.len(),
		VTimeFloor:  c.vtimeFloor.Load(),
		BusyNS:      c.busyNS.Load(),
		Interactive: c.interactive.Load(),
		Perf:        c.perf.Load(),
		Dispatches:  c.dispatches.Load(),
	}, true
}

// VTimeFloor is the global virtual-time baseline.
func (e *Engine) VTimeFloor() uint64 { return e.vtimeFloor.Load() }

// MaxLag is the current fairness lag bound in nanoseconds.
func (e *Engine) MaxLag() uint64 { return e.p.Load().lag }
