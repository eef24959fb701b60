package sched

// mmRefreshInterval rate-limits address-space hint updates from Running.
const mmRefreshInterval = 2 * nsPerMS

// Dispatch picks the next task for cpu: the direct handoff slot, then the
// local FIFO, then the global deadline queue. It returns false when the CPU
// should idle, or when the global queue was too contended to read; in that
// case the CPU stays busy and asks again on its next scheduling event.
func (e *Engine) Dispatch(cpu int, now uint64) (TaskID, bool) {
	if !e.validCPU(cpu) || !e.enter() {
		return 0, false
	}
	defer e.leave()
	p := e.p.Load()
	c := &e.cpus[cpu]

	var (
		id  TaskID
		src = QueueNone
	)
	if v := c.direct.Swap(0); v != 0 {
		id, src = TaskID(v-1), QueueDirect
	} else if lid, ok := c.local.pop(); ok {
		id, src = lid, QueueLocal
		e.strays.take(lid)
	} else {
		gid, ok, res := e.global.pop(p.retries)
		switch {
		case res == queueBusy:
			e.stats.globalBusy.Add(1)
			return 0, false
		case ok:
			id, src = gid, QueueGlobal
			c.globalTaken.Add(1)
		}
	}

	if src == QueueNone {
		c.idle.Store(true)
		c.idles.Add(1)
		e.emit(StatusEvent{Time: now, Kind: StatusIdle, CPU: cpu})
		return 0, false
	}

	c.idle.Store(false)
	c.curr.Store(uint64(id) + 1)
	c.dispatches.Add(1)
	e.queued.Add(-1)
	e.progressAt.Store(now)

	role := RoleUnknown
	var vtime uint64
	if t := e.lookup(id); t != nil {
		role = t.roleTag()
		if e.validCPU(t.cpu) && t.cpu != cpu {
			e.stats.migrations.Add(1)
		}
		t.cpu = cpu
		t.queueCPU = cpu
		t.setQueue(QueueRunning)

		vtime = t.vtime.Load()
		c.raiseFloor(vtime)
		atomicMax(&e.vtimeFloor, vtime)

		if src != QueueGlobal && p.mmHint {
			if mm := t.mm.Load(); mm != 0 {
				e.mm.Put(mm, cpu)
				t.lastMMUpdate = now
			}
		}
	}
	e.stats.dispatch[role].Add(1)

	if p.cpufreq {
		_, util := e.load.CPU(cpu)
		c.notePerf(util)
	}

	e.emit(StatusEvent{Time: now, Kind: StatusDispatch, TaskID: id, CPU: cpu, VTime: vtime, Detail: src.String()})
	return id, true
}

// Running marks the start of the task's execution on cpu.
func (e *Engine) Running(id TaskID, cpu int, now uint64) {
	if !e.validCPU(cpu) || !e.enter() {
		return
	}
	defer e.leave()
	p := e.p.Load()
	c := &e.cpus[cpu]

	c.curr.Store(uint64(id) + 1)
	c.idle.Store(false)
	c.runStart.Store(now)

	t := e.lookup(id)
	if t == nil {
		return
	}
	t.startedAt = now
	t.cpu = cpu
	if t.queue() != QueueRunning {
		t.setQueue(QueueRunning)
	}
	c.raiseFloor(t.vtime.Load())

	if p.mmHint && now-t.lastMMUpdate >= mmRefreshInterval {
		if mm := t.mm.Load(); mm != 0 {
			e.mm.Put(mm, cpu)
			t.lastMMUpdate = now
		}
	}
}

// Stopping accounts ran nanoseconds of execution on cpu. A runnable task
// must be queued again with Enqueue(EnqRequeue); otherwise it is asleep
// until its next wake-up.
func (e *Engine) Stopping(id TaskID, cpu int, ran uint64, runnable bool, now uint64) {
	if !e.validCPU(cpu) || !e.enter() {
		return
	}
	defer e.leave()
	p := e.p.Load()
	c := &e.cpus[cpu]

	c.busyNS.Add(ran)
	c.runStart.Store(0)
	c.curr.CompareAndSwap(uint64(id)+1, 0)

	kind := StatusSleep
	if runnable {
		kind = StatusPreempt
	}

	t := e.lookup(id)
	if t == nil {
		e.emit(StatusEvent{Time: now, Kind: kind, TaskID: id, CPU: cpu, Ran: ran})
		return
	}
	t.pending += ran
	t.execRuntime += ran
	if t.execRuntime > p.lag {
		t.execRuntime = p.lag
	}
	if t.queue() == QueueRunning {
		t.setQueue(QueueNone)
	}
	e.emit(StatusEvent{Time: now, Kind: kind, TaskID: id, CPU: cpu, Ran: ran, VTime: t.vtime.Load()})
}
