package sched

import (
	"latsched/internal/boost"
	"latsched/internal/load"
)

// Reason says which step of CPU selection produced the answer.
type Reason uint8

const (
	ReasonPinned Reason = iota
	ReasonAffinityHit
	ReasonIdleScan
	ReasonSyncWaker
	ReasonNAPI
	ReasonFallback
	numReasons
)

func (r Reason) String() string {
	switch r {
	case ReasonPinned:
		return "pinned"
	case ReasonAffinityHit:
		return "affinity_hit"
	case ReasonIdleScan:
		return "idle_scan"
	case ReasonSyncWaker:
		return "sync_waker"
	case ReasonNAPI:
		return "napi"
	case ReasonFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Selection is the answer to "which CPU should this waking task use".
type Selection struct {
	CPU    int
	Reason Reason
	// Queue is the queue Enqueue will use under the current mode, unless the
	// wake-up is handed directly to an idle CPU.
	Queue Queue
	// Idle is set when CPU was idle and is now reserved for this task.
	Idle bool
}

// SelectCPU picks the CPU for a waking task. prevCPU is where the task last
// ran (-1 if never), wakerCPU the CPU of the waking task and sync marks a
// synchronous producer/consumer wake-up. It always returns a usable CPU.
func (e *Engine) SelectCPU(id TaskID, prevCPU, wakerCPU int, sync bool, now uint64) Selection {
	prev := e.fallbackCPU(prevCPU)
	if !e.enter() {
		return Selection{CPU: prev, Reason: ReasonFallback, Queue: QueueNone}
	}
	defer e.leave()
	p := e.p.Load()

	t := e.observe(id, prevCPU)
	if t != nil && t.claimed >= 0 {
		// a previous selection was never followed by Enqueue
		e.cpus[t.claimed].release()
		t.claimed = -1
	}
	if t != nil && e.validCPU(t.cpu) && !e.validCPU(prevCPU) {
		prev = t.cpu
	}

	sel := e.selectCPU(t, prev, wakerCPU, sync, now, p)
	if t != nil {
		t.target = sel.CPU
	}
	if sel.Idle {
		if t != nil {
			t.claimed = sel.CPU
		} else {
			e.cpus[sel.CPU].release()
			sel.Idle = false
		}
	}
	e.stats.selections[sel.Reason].Add(1)

	sel.Queue = QueueLocal
	if e.load.Mode() == load.Global {
		sel.Queue = QueueGlobal
	}
	return sel
}

func (e *Engine) selectCPU(t *task, prev, waker int, sync bool, now uint64, p *params) Selection {
	// 1) pinned tasks stay put
	if t != nil && t.pinned.Load() {
		return Selection{CPU: prev, Reason: ReasonPinned}
	}

	// 2) keep network consumers next to the interrupt while the network
	//    window is open
	if t != nil && p.preferNAPI && e.boost.Active(boost.Network, now) && e.foreground(t) {
		c := &e.cpus[prev]
		if at := c.netIRQAt.Load(); at != 0 && now >= at && now-at < e.boost.Params().NetworkWindow && c.claim() {
			return Selection{CPU: prev, Reason: ReasonNAPI, Idle: true}
		}
	}

	// 3) address-space hint
	if t != nil && p.mmHint {
		if mm := t.mm.Load(); mm != 0 {
			if cpu, ok := e.mm.Get(mm); ok && e.validCPU(cpu) && e.compatible(cpu, prev, p) && e.cpus[cpu].claim() {
				e.stats.mmHits.Add(1)
				return Selection{CPU: cpu, Reason: ReasonAffinityHit, Idle: true}
			}
			e.stats.mmMisses.Add(1)
		}
	}

	// 4) idle scan
	if cpu, ok := e.scanIdle(prev, p); ok {
		return Selection{CPU: cpu, Reason: ReasonIdleScan, Idle: true}
	}

	// 5) synchronous wake: run next to the waker, which is about to yield
	if sync && p.wakeSync && e.validCPU(waker) {
		c := &e.cpus[waker]
		if c.claim() {
			return Selection{CPU: waker, Reason: ReasonSyncWaker, Idle: true}
		}
		if !c.hasWork() || (p.mmAffinity && e.sharesMM(t, c)) {
			return Selection{CPU: waker, Reason: ReasonSyncWaker}
		}
	}

	// 6) fallback
	return Selection{CPU: prev, Reason: ReasonFallback}
}

// compatible reports whether a cached CPU suits a task that last ran on prev.
func (e *Engine) compatible(cpu, prev int, p *params) bool {
	if p.numa && e.topo.Node(cpu) != e.topo.Node(prev) {
		return false
	}
	if p.avoidSMT && e.siblingBusy(cpu) {
		return false
	}
	return true
}

func (e *Engine) siblingBusy(cpu int) bool {
	for _, s := range e.topo.Siblings(cpu) {
		if e.validCPU(s) && !e.cpus[s].idle.Load() {
			return true
		}
	}
	return false
}

// smtContended reports whether cpu shares its core with a busy sibling.
func (e *Engine) smtContended(cpu int) bool {
	return e.validCPU(cpu) && e.topo.SMT && e.siblingBusy(cpu)
}

func (e *Engine) sharesMM(t *task, c *cpuState) bool {
	if t == nil {
		return false
	}
	mm := t.mm.Load()
	cur := c.curr.Load()
	if mm == 0 || cur == 0 {
		return false
	}
	other := e.tasks.get(TaskID(cur - 1))
	return other != nil && other.mm.Load() == mm
}

// scanIdle claims the first suitable idle CPU.
//
//   - flat: CPU index order, nothing else
//   - preferred: the topology's preferred order (capacity first)
//   - default: prev first, then CPU index order
//
// With NUMA awareness the non-flat scans visit prev's node first.
func (e *Engine) scanIdle(prev int, p *params) (int, bool) {
	try := func(cpu int) bool {
		if !e.validCPU(cpu) {
			return false
		}
		if p.avoidSMT && e.siblingBusy(cpu) {
			return false
		}
		return e.cpus[cpu].claim()
	}

	if p.flatScan {
		for cpu := range e.cpus {
			if try(cpu) {
				return cpu, true
			}
		}
		return 0, false
	}

	var order []int
	if p.preferredScan {
		order = e.topo.Preferred()
	} else {
		if try(prev) {
			return prev, true
		}
		order = e.cpuOrder
	}

	if !p.numa || e.topo.Nodes <= 1 {
		for _, cpu := range order {
			if try(cpu) {
				return cpu, true
			}
		}
		return 0, false
	}

	node := e.topo.Node(prev)
	for _, local := range []bool{true, false} {
		for _, cpu := range order {
			if (e.topo.Node(cpu) == node) != local {
				continue
			}
			if try(cpu) {
				return cpu, true
			}
		}
	}
	return 0, false
}
