package sched

import (
	"fmt"
	"sync/atomic"

	"latsched/internal/boost"
	"latsched/internal/migrate"
)

// TaskID uniquely identifies a task in the scheduler.
type TaskID uint64

// Role is the classification tag supplied by the classifier. The engine only
// reads it.
type Role uint32

const (
	RoleUnknown Role = iota
	RoleInput
	RoleRender
	RoleAudio
	RoleNetwork
	RoleBackground
	numRoles
)

func (r Role) String() string {
	switch r {
	case RoleUnknown:
		return "unknown"
	case RoleInput:
		return "input"
	case RoleRender:
		return "render"
	case RoleAudio:
		return "audio"
	case RoleNetwork:
		return "network"
	case RoleBackground:
		return "background"
	default:
		return "invalid"
	}
}

// Roles lists every valid role in order.
func Roles() []Role {
	out := make([]Role, 0, numRoles)
	for r := RoleUnknown; r < numRoles; r++ {
		out = append(out, r)
	}
	return out
}

func ParseRole(s string) (Role, error) {
	for _, r := range Roles() {
		if r.String() == s {
			return r, nil
		}
	}
	return RoleUnknown, fmt.Errorf("unknown role %q", s)
}

// Weight is fixed point: WeightOne is a weight of 1.
const (
	WeightOne = 100
	MinWeight = 1
	MaxWeight = 10000
)

func clampWeight(w uint32) uint32 {
	switch {
	case w < MinWeight:
		return MinWeight
	case w > MaxWeight:
		return MaxWeight
	}
	return w
}

// TaskInfo describes a task when it is first observed.
type TaskInfo struct {
	TGID        uint32
	Parent      uint32 // parent task group, 0 if unknown
	Grandparent uint32
	MM          uint64 // address-space id, 0 for kernel threads
	Role        Role
	Lane        boost.Lane // input lane, only read for RoleInput
	Weight      uint32     // 0 means WeightOne
	Pinned      bool       // may only run on its previous CPU
	CPU         int        // CPU the task was last seen on, -1 if none
}

// Queue says where a task currently is.
type Queue uint32

const (
	QueueNone Queue = iota
	QueueLocal
	QueueGlobal
	QueueDirect
	QueueRunning
)

func (q Queue) String() string {
	switch q {
	case QueueNone:
		return "none"
	case QueueLocal:
		return "local"
	case QueueGlobal:
		return "global"
	case QueueDirect:
		return "direct"
	case QueueRunning:
		return "running"
	default:
		return "unknown"
	}
}

// task is the per-task record. Fields under "caller-serialised" are only
// touched by lifecycle calls for this task, which the caller never issues
// concurrently for one task (as the kernel does under the task's runqueue
// lock). Everything read across tasks is atomic.
type task struct {
	gen atomic.Uint32

	tgid        atomic.Uint32
	parent      atomic.Uint32
	grandparent atomic.Uint32
	mm          atomic.Uint64
	role        atomic.Uint32
	lane        atomic.Uint32
	weight      atomic.Uint32
	pinned      atomic.Bool

	vtime   atomic.Uint64
	where   atomic.Uint32 // Queue
	boosted atomic.Bool

	// caller-serialised
	cpu          int // last CPU, -1 if never ran
	target       int // CPU chosen by SelectCPU, -1 if none
	claimed      int // idle CPU reserved by SelectCPU, -1 if none
	queueCPU     int // owner of the local queue or direct slot
	execRuntime  uint64
	pending      uint64 // runtime not yet charged to vtime
	lastWoke     uint64
	wakeFreq     uint64 // wakeups per 100ms, calcAvg smoothed
	continuous   bool
	lastMMUpdate uint64
	deadline     uint64
	seq          uint64
	slice        uint64
	startedAt    uint64
	mig          migrate.Bucket
}

// reset reinitialises the record for a (possibly reused) identity. vtime
// starts at floor so a new task neither jumps the queue nor starves.
func (t *task) reset(info TaskInfo, floor uint64) {
	t.tgid.Store(info.TGID)
	t.parent.Store(info.Parent)
	t.grandparent.Store(info.Grandparent)
	t.mm.Store(info.MM)
	t.role.Store(uint32(info.Role))
	t.lane.Store(uint32(info.Lane))
	w := info.Weight
	if w == 0 {
		w = WeightOne
	}
	t.weight.Store(clampWeight(w))
	t.pinned.Store(info.Pinned)
	t.vtime.Store(floor)
	t.where.Store(uint32(QueueNone))
	t.boosted.Store(false)

	t.cpu = info.CPU
	t.target = -1
	t.claimed = -1
	t.queueCPU = -1
	t.execRuntime = 0
	t.pending = 0
	t.lastWoke = 0
	t.wakeFreq = 0
	t.continuous = false
	t.lastMMUpdate = 0
	t.deadline = 0
	t.seq = 0
	t.slice = 0
	t.startedAt = 0
	t.mig.Reset()
}

func (t *task) roleTag() Role        { return Role(t.role.Load()) }
func (t *task) laneHint() boost.Lane { return boost.Lane(t.lane.Load()) }
func (t *task) queue() Queue         { return Queue(t.where.Load()) }
func (t *task) setQueue(q Queue)     { t.where.Store(uint32(q)) }

// TaskState is a read-only view of a task record.
type TaskState struct {
	ID       TaskID
	Role     Role
	Lane     boost.Lane
	Weight   uint32
	VTime    uint64
	Deadline uint64
	Slice    uint64
	CPU      int
	Queue    string
	WakeFreq uint64
	Boosted  bool
}
