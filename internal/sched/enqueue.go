package sched

import (
	"github.com/sirupsen/logrus"

	"latsched/internal/load"
	"latsched/internal/migrate"
)

// EnqueueFlags describe why a task is being queued.
type EnqueueFlags uint8

const (
	// EnqWakeup: the task is waking from sleep.
	EnqWakeup EnqueueFlags = 1 << iota
	// EnqRequeue: the task used up its slice and is still runnable.
	EnqRequeue
	// EnqSync: synchronous wake-up, the waker is about to sleep.
	EnqSync
)

// Placement reports where Enqueue put a task.
type Placement struct {
	CPU       int
	Queue     Queue
	Slice     uint64
	Deadline  uint64
	Migration migrate.Decision
	Migrated  bool
	Boosted   bool
	// Degraded is set when the preferred queue was unavailable.
	Degraded bool
	// Fallback is set when the engine is not attached and placed nothing.
	Fallback bool
}

// Enqueue charges the task's pending runtime to its vtime, stamps slice and
// deadline and inserts it into exactly one queue.
func (e *Engine) Enqueue(id TaskID, flags EnqueueFlags, now uint64) Placement {
	if !e.enter() {
		return Placement{CPU: -1, Queue: QueueNone, Fallback: true}
	}
	defer e.leave()
	p := e.p.Load()

	if cpu, ok := e.strays.lookup(id); ok {
		e.stats.duplicate.Add(1)
		return Placement{CPU: cpu, Queue: QueueLocal, Slice: p.slice, Migration: migrate.Allowed, Degraded: true}
	}
	t := e.observe(id, -1)
	if t == nil {
		return e.enqueueUntracked(id, now, p)
	}
	if q := t.queue(); q != QueueNone {
		e.stats.duplicate.Add(1)
		return Placement{CPU: t.queueCPU, Queue: q, Slice: t.slice, Deadline: t.deadline, Boosted: t.boosted.Load()}
	}

	boosted := e.boostActive(t, now)

	// 1) target CPU, gated by the migration limiter
	target, claimed := t.target, t.claimed >= 0
	if claimed {
		target = t.claimed
	}
	t.target, t.claimed = -1, -1
	if !e.validCPU(target) {
		target = e.fallbackCPU(t.cpu)
	}
	pl := Placement{Migration: migrate.Allowed, Boosted: boosted}
	if e.validCPU(t.cpu) && target != t.cpu && !t.pinned.Load() {
		override := e.smtContended(t.cpu) || (boosted && highPriority(t.roleTag()))
		pl.Migration = e.mig.Attempt(&t.mig, now, override)
		if pl.Migration == migrate.Blocked {
			if claimed {
				e.cpus[target].release()
				claimed = false
			}
			target = t.cpu
		} else {
			pl.Migrated = true
		}
	}
	c := &e.cpus[target]
	pl.CPU = target

	if flags&EnqWakeup != 0 {
		t.noteWake(now, p)
		c.noteWake(t.wakeFreq)
	}

	// 2) vtime, slice and deadline
	e.chargeVtime(t, c, p)
	t.boosted.Store(boosted)
	t.slice = e.sliceFor(t, c, boosted, p)
	t.deadline = deadlineFor(t, boosted, p)
	pl.Slice, pl.Deadline = t.slice, t.deadline

	// 3) queue: direct handoff to a reserved idle CPU, else by mode
	mode := e.load.Mode()
	direct := claimed && (mode == load.Local || (flags&EnqSync != 0 && p.wakeSync))
	vtime, deadline := t.vtime.Load(), t.deadline

	// Every task field is written before the id is published: another CPU
	// may dispatch it the moment it lands in a queue.
	t.queueCPU = target
	if e.queued.Add(1) == 1 {
		e.progressAt.Store(now)
	}
	placed := false
	if direct {
		t.setQueue(QueueDirect)
		if c.direct.CompareAndSwap(0, uint64(id)+1) {
			pl.Queue = QueueDirect
			c.directEnq.Add(1)
			placed = true
		}
	}
	if !placed && mode == load.Global {
		t.setQueue(QueueGlobal)
		if _, res := e.global.push(id, deadline, p.retries, &t.seq); res == queueOK {
			pl.Queue = QueueGlobal
			c.globalEnq.Add(1)
			placed = true
		} else {
			e.noteGlobalFailure(res, id)
			pl.Degraded = true
		}
	}
	if !placed {
		t.setQueue(QueueLocal)
		c.local.push(id)
		pl.Queue = QueueLocal
		c.localEnq.Add(1)
	}

	e.emit(StatusEvent{Time: now, Kind: StatusEnqueue, TaskID: id, CPU: target, VTime: vtime, Deadline: deadline, Detail: pl.Queue.String()})
	return pl
}

// highPriority roles may migrate past the limiter while their boost is on.
func highPriority(r Role) bool {
	return r == RoleInput || r == RoleRender || r == RoleAudio
}

// enqueueUntracked queues a task that has no record: FIFO on a CPU chosen by
// its id, with the base slice.
func (e *Engine) enqueueUntracked(id TaskID, now uint64, p *params) Placement {
	cpu := e.fallbackCPU(int(uint64(id) % uint64(len(e.cpus))))
	if cur, ok := e.strays.add(id, cpu); !ok {
		e.stats.duplicate.Add(1)
		return Placement{CPU: cur, Queue: QueueLocal, Slice: p.slice, Migration: migrate.Allowed, Degraded: true}
	}
	if e.queued.Add(1) == 1 {
		e.progressAt.Store(now)
	}
	e.cpus[cpu].local.push(id)
	e.cpus[cpu].localEnq.Add(1)
	e.stats.untracked.Add(1)
	return Placement{CPU: cpu, Queue: QueueLocal, Slice: p.slice, Migration: migrate.Allowed, Degraded: true}
}

func (e *Engine) noteGlobalFailure(res queueResult, id TaskID) {
	switch res {
	case queueFull:
		e.stats.globalFull.Add(1)
		e.warnf("global_full", logrus.Fields{"task": id}, "global queue full, task placed on local queue")
	case queueBusy:
		e.stats.globalBusy.Add(1)
		e.warnf("global_busy", logrus.Fields{"task": id}, "global queue contended, task placed on local queue")
	}
}
