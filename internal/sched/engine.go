// Package sched is the scheduling decision engine: CPU selection, queue
// placement, deadlines and dispatch for latency-sensitive workloads.
//
// The engine does not run tasks. A driver (the kernel glue, or the simulator
// in internal/sim) reports task lifecycle events and asks the questions
// "which CPU", "which queue" and "what next"; every answer is computed from
// the per-task and per-CPU records owned by one Engine value.
package sched

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"latsched/internal/boost"
	"latsched/internal/load"
	"latsched/internal/logging"
	"latsched/internal/migrate"
	"latsched/internal/mmcache"
	"latsched/internal/topology"
)

var (
	ErrDetached = errors.New("engine detached")
	ErrAttached = errors.New("engine still attached")
)

// Clock returns monotonic nanoseconds.
type Clock interface {
	Now() uint64
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() uint64

func (f ClockFunc) Now() uint64 { return f() }

type monotonicClock struct{ start time.Time }

func (c monotonicClock) Now() uint64 { return uint64(time.Since(c.start)) }

// NewMonotonicClock counts nanoseconds from its creation.
func NewMonotonicClock() Clock { return monotonicClock{start: time.Now()} }

// State is the attach state of the engine.
type State uint32

const (
	StateAttached State = iota
	StateDetaching
	StateDetached
	// StateDisabled means the watchdog switched the engine off; every
	// decision returns the fallback answer until Detach.
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateAttached:
		return "attached"
	case StateDetaching:
		return "detaching"
	case StateDetached:
		return "detached"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

type ExitKind int

const (
	ExitNone ExitKind = iota
	ExitDetach
	ExitWatchdog
)

func (k ExitKind) String() string {
	switch k {
	case ExitNone:
		return "none"
	case ExitDetach:
		return "detach"
	case ExitWatchdog:
		return "watchdog"
	default:
		return "unknown"
	}
}

// ExitInfo explains why the engine stopped making decisions.
type ExitInfo struct {
	Kind   ExitKind
	Reason string
	At     uint64
}

// Options carries the collaborators of an Engine. All fields are optional.
type Options struct {
	Logger logrus.FieldLogger
	Clock  Clock
	// OnExit is called once when the engine disables itself or detaches.
	OnExit func(ExitInfo)
}

// Engine owns all scheduler state for one attach/detach lifetime.
type Engine struct {
	log      logrus.FieldLogger
	throttle *logging.Throttle
	clock    Clock
	onExit   func(ExitInfo)
	topo     *topology.Topology

	cfg atomic.Pointer[Config]
	p   atomic.Pointer[params]

	tasks    *taskStore
	strays   strays
	cpus     []cpuState
	cpuOrder []int
	global   *globalQueue
	mm       *mmcache.Cache
	mig      *migrate.Limiter
	boost    *boost.Manager
	load     *load.Monitor
	events   eventStream

	epoch      atomic.Uint32
	state      atomic.Uint32
	inflight   atomic.Int64
	detachMu   sync.Mutex
	exit       atomic.Pointer[ExitInfo]
	vtimeFloor atomic.Uint64
	queued     atomic.Int64
	progressAt atomic.Uint64
	ticks      atomic.Uint64

	stats counters
}

// New builds an attached engine. cfg is normalised (with logged warnings)
// and validated; topo must describe at least one online CPU.
func New(cfg Config, topo *topology.Topology, opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		log = logging.GetLogger()
	}
	if topo == nil || topo.NumCPUs() == 0 {
		return nil, fmt.Errorf("new engine: %w", topology.ErrEmpty)
	}

	cfg.Normalize(log)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	topo = topo.Clone()
	if cfg.PreferredCPUs != "" {
		list, _ := topology.ParseCPUList(cfg.PreferredCPUs)
		if err := topo.SetPreferred(list); err != nil {
			return nil, fmt.Errorf("preferred_cpus: %v: %w", err, ErrInvalidConfig)
		}
	}

	mig, err := migrate.NewLimiter(cfg.migrationLimits())
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidConfig)
	}
	bm, err := boost.New(cfg.boostParams(), cfg.TriggerQueueLen, log)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidConfig)
	}
	bm.SetOverride(cfg.ForegroundTGID)
	lm, err := load.NewMonitor(topo.NumCPUs(), cfg.LoadThresholds(), log)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidConfig)
	}

	mc, err := mmcache.New(cfg.MMHintSize)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidConfig)
	}

	clock := opts.Clock
	if clock == nil {
		clock = NewMonotonicClock()
	}

	e := &Engine{
		log:      log.WithField("component", "sched"),
		throttle: logging.NewThrottle(),
		clock:    clock,
		onExit:   opts.OnExit,
		topo:     topo,
		tasks:    newTaskStore(cfg.TaskCapacity),
		cpus:     newCPUs(topo.NumCPUs()),
		global:   newGlobalQueue(cfg.GlobalQueueCap),
		mm:       mc,
		mig:      mig,
		boost:    bm,
		load:     lm,
	}
	e.cpuOrder = make([]int, len(e.cpus))
	for i := range e.cpus {
		e.cpuOrder[i] = i
		if !topo.Valid(i) {
			e.cpus[i].idle.Store(false)
		}
	}
	e.cfg.Store(&cfg)
	e.p.Store(cfg.params())
	e.epoch.Store(1)
	e.state.Store(uint32(StateAttached))

	e.log.WithFields(logrus.Fields{
		"cpus":     topo.NumCPUs(),
		"smt":      topo.SMT,
		"nodes":    topo.Nodes,
		"slice_us": cfg.SliceUS,
		"lag_us":   cfg.SliceLagUS,
	}).Info("engine attached")
	return e, nil
}

// enter admits a decision while the engine is attached. Every successful
// enter must be paired with leave.
func (e *Engine) enter() bool {
	e.inflight.Add(1)
	if State(e.state.Load()) != StateAttached {
		e.inflight.Add(-1)
		return false
	}
	return true
}

func (e *Engine) leave() { e.inflight.Add(-1) }

func (e *Engine) State() State { return State(e.state.Load()) }

// ExitInfo returns why the engine stopped, if it has.
func (e *Engine) ExitInfo() (ExitInfo, bool) {
	if x := e.exit.Load(); x != nil {
		return *x, true
	}
	return ExitInfo{}, false
}

func (e *Engine) Topology() *topology.Topology { return e.topo }

func (e *Engine) Config() Config { return *e.cfg.Load() }

func (e *Engine) Clock() Clock { return e.clock }

func (e *Engine) validCPU(cpu int) bool { return e.topo.Valid(cpu) }

// fallbackCPU returns cpu when usable, otherwise the first online CPU.
func (e *Engine) fallbackCPU(cpu int) int {
	if e.validCPU(cpu) {
		return cpu
	}
	for i := range e.cpus {
		if e.validCPU(i) {
			return i
		}
	}
	return 0
}

// lookup returns the current-generation record for id, reinitialising a
// record left over from an earlier attach.
func (e *Engine) lookup(id TaskID) *task {
	t := e.tasks.get(id)
	if t == nil {
		return nil
	}
	if epoch := e.epoch.Load(); t.gen.Load() != epoch {
		t.reset(TaskInfo{
			TGID:        t.tgid.Load(),
			Parent:      t.parent.Load(),
			Grandparent: t.grandparent.Load(),
			MM:          t.mm.Load(),
			Role:        t.roleTag(),
			Lane:        t.laneHint(),
			Weight:      t.weight.Load(),
			Pinned:      t.pinned.Load(),
			CPU:         -1,
		}, e.vtimeFloor.Load())
		t.gen.Store(epoch)
		e.stats.reinit.Add(1)
	}
	return t
}

// observe returns the record for id, creating a default one on first sight.
// nil means the task table is full for this id.
func (e *Engine) observe(id TaskID, cpu int) *task {
	if t := e.lookup(id); t != nil {
		return t
	}
	if !e.createTask(id, TaskInfo{Lane: boost.LaneAny, CPU: cpu}) {
		return nil
	}
	return e.lookup(id)
}

func (e *Engine) createTask(id TaskID, info TaskInfo) bool {
	t, created := e.tasks.claim(id)
	if t == nil {
		e.warnf("task_table_full", logrus.Fields{"task": id}, "task table full, task runs without a record")
		return false
	}
	if !created {
		t.tgid.Store(info.TGID)
		t.parent.Store(info.Parent)
		t.grandparent.Store(info.Grandparent)
		t.mm.Store(info.MM)
		t.pinned.Store(info.Pinned)
		return true
	}
	if !e.validCPU(info.CPU) {
		info.CPU = -1
	}
	if info.Role >= numRoles {
		info.Role = RoleUnknown
	}
	t.reset(info, e.vtimeFloor.Load())
	t.gen.Store(e.epoch.Load())
	e.stats.created.Add(1)
	return true
}

// CreateTask registers a task. It reports false when the task table has no
// room for id; such a task is still scheduled, only without per-task state.
func (e *Engine) CreateTask(id TaskID, info TaskInfo) bool {
	if !e.enter() {
		return false
	}
	defer e.leave()
	return e.createTask(id, info)
}

// ExitTask removes the task from whichever queue holds it and frees its
// record.
func (e *Engine) ExitTask(id TaskID, now uint64) {
	if !e.enter() {
		return
	}
	defer e.leave()

	stray := false
	if cpu, ok := e.strays.take(id); ok && e.cpus[cpu].local.remove(id) {
		e.queued.Add(-1)
		stray = true
	}
	t := e.tasks.get(id)
	if t == nil {
		if stray {
			e.stats.exited.Add(1)
			e.emit(StatusEvent{Time: now, Kind: StatusExit, TaskID: id, CPU: -1})
		}
		return
	}
	if e.unqueue(id, t) {
		e.queued.Add(-1)
	}
	if t.claimed >= 0 {
		e.cpus[t.claimed].release()
		t.claimed = -1
	}
	t.target = -1
	if t.queue() == QueueRunning && e.validCPU(t.cpu) {
		e.cpus[t.cpu].curr.CompareAndSwap(uint64(id)+1, 0)
	}
	t.setQueue(QueueNone)
	e.tasks.release(id)
	e.stats.exited.Add(1)
	e.emit(StatusEvent{Time: now, Kind: StatusExit, TaskID: id, CPU: t.cpu, VTime: t.vtime.Load()})
}

// unqueue takes a queued task out of its queue.
func (e *Engine) unqueue(id TaskID, t *task) bool {
	switch t.queue() {
	case QueueLocal:
		return e.validCPU(t.queueCPU) && e.cpus[t.queueCPU].local.remove(id)
	case QueueGlobal:
		return e.global.remove(nodeKey{deadline: t.deadline, seq: t.seq})
	case QueueDirect:
		return e.validCPU(t.queueCPU) && e.cpus[t.queueCPU].direct.CompareAndSwap(uint64(id)+1, 0)
	}
	return false
}

// SetRole records the classifier's tag for the task.
func (e *Engine) SetRole(id TaskID, role Role, lane boost.Lane) {
	if role >= numRoles {
		return
	}
	if t := e.tasks.get(id); t != nil {
		t.role.Store(uint32(role))
		t.lane.Store(uint32(lane))
	}
}

// SetWeight changes the task's weight (WeightOne = 1), clamped to
// [MinWeight, MaxWeight]. It applies from the next enqueue.
func (e *Engine) SetWeight(id TaskID, weight uint32) {
	t := e.tasks.get(id)
	if t == nil {
		return
	}
	if w := clampWeight(weight); w != weight {
		e.warnf("weight_clamped", logrus.Fields{"task": id, "weight": weight, "using": w}, "task weight clamped")
		weight = w
	}
	t.weight.Store(weight)
}

// SetForeground records the detected foreground task group; 0 clears it.
// A configured foreground_tgid takes precedence.
func (e *Engine) SetForeground(tgid uint32) { e.boost.SetForeground(tgid) }

// Trigger applies an external activity event synchronously.
func (e *Engine) Trigger(t boost.Trigger) { e.boost.Apply(t) }

// PostTrigger queues an activity event for the next Tick without blocking.
// It reports false when the queue was full and the event was dropped.
func (e *Engine) PostTrigger(t boost.Trigger) bool { return e.boost.Post(t) }

// NoteNetworkIRQ records network interrupt activity on cpu and opens the
// network window.
func (e *Engine) NoteNetworkIRQ(cpu int, now uint64) {
	if e.validCPU(cpu) {
		e.cpus[cpu].netIRQAt.Store(now)
	}
	e.boost.Apply(boost.Trigger{Category: boost.Network, At: now})
}

// Boost exposes the boost windows to read-only collaborators.
func (e *Engine) Boost() *boost.Manager { return e.boost }

// Tick runs the periodic work: queued triggers, lane decay, the load sample
// and the watchdog.
func (e *Engine) Tick(now uint64) {
	x := e.tick(now)
	if x != nil {
		e.notifyExit(*x)
	}
}

func (e *Engine) tick(now uint64) *ExitInfo {
	if !e.enter() {
		return nil
	}
	defer e.leave()
	e.ticks.Add(1)

	e.boost.Drain(0)
	e.boost.Decay(now)

	samples := make([]load.Sample, len(e.cpus))
	for i := range e.cpus {
		c := &e.cpus[i]
		busy := c.busyNS.Load()
		if start := c.runStart.Load(); start != 0 && now > start {
			busy += now - start
		}
		samples[i] = load.Sample{Busy: busy, Total: now}
	}
	before := e.load.Mode()
	if after := e.load.Update(samples); after != before {
		e.emit(StatusEvent{Time: now, Kind: StatusModeSwitch, CPU: -1, Detail: after.String()})
	}

	return e.checkWatchdog(now)
}

// checkWatchdog disables the engine when tasks are queued but nothing was
// dispatched for longer than the watchdog timeout.
func (e *Engine) checkWatchdog(now uint64) *ExitInfo {
	p := e.p.Load()
	if p.watchdog == 0 || e.queued.Load() <= 0 {
		return nil
	}
	last := e.progressAt.Load()
	if now <= last || now-last <= p.watchdog {
		return nil
	}
	if !e.state.CompareAndSwap(uint32(StateAttached), uint32(StateDisabled)) {
		return nil
	}
	x := &ExitInfo{
		Kind:   ExitWatchdog,
		Reason: fmt.Sprintf("no dispatch for %dms with %d tasks queued", (now-last)/nsPerMS, e.queued.Load()),
		At:     now,
	}
	e.exit.Store(x)
	e.log.WithFields(logrus.Fields{
		"stalled_ms": (now - last) / nsPerMS,
		"queued":     e.queued.Load(),
	}).Error("dispatch stalled, engine disabled; tasks fall back to the default policy")
	e.emit(StatusEvent{Time: now, Kind: StatusWatchdog, CPU: -1, Detail: x.Reason})
	return x
}

func (e *Engine) notifyExit(x ExitInfo) {
	if e.onExit != nil {
		e.onExit(x)
	}
}

// Start drives Tick from a tick clock until ctx is done or the engine stops
// making decisions.
func (e *Engine) Start(ctx context.Context) error {
	interval := time.Duration(e.Config().TickUS) * time.Microsecond
	clock := NewTickClock(e.clock, 1)
	clock.Start(interval)
	defer clock.Stop()

	for {
		// 1) check shutdown
		var tick Tick
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-clock.C:
			if !ok {
				return nil
			}
			tick = t
		}

		// 2) drive one tick
		e.Tick(tick.At)

		// 3) stop once detached or disabled
		if e.State() != StateAttached {
			return nil
		}
	}
}

// Reload validates cfg and applies its hot-reloadable part; it takes effect
// on the next decision. Settings fixed at construction keep their old value
// and are reported with a warning.
func (e *Engine) Reload(cfg Config) error {
	switch e.State() {
	case StateDetached, StateDetaching:
		return ErrDetached
	}
	cfg.Normalize(e.log)
	if err := cfg.Validate(); err != nil {
		return err
	}

	cur := e.cfg.Load()
	if changed := cfg.fixedFields(cur); len(changed) > 0 {
		e.log.WithField("settings", changed).Warn("settings require a restart and were not reloaded")
		cfg.TaskCapacity = cur.TaskCapacity
		cfg.GlobalQueueCap = cur.GlobalQueueCap
		cfg.TriggerQueueLen = cur.TriggerQueueLen
		cfg.MMHintSize = cur.MMHintSize
		cfg.TickUS = cur.TickUS
		cfg.PreferredCPUs = cur.PreferredCPUs
	}

	if err := e.mig.SetLimits(cfg.migrationLimits()); err != nil {
		return fmt.Errorf("%v: %w", err, ErrInvalidConfig)
	}
	if err := e.boost.SetParams(cfg.boostParams()); err != nil {
		return fmt.Errorf("%v: %w", err, ErrInvalidConfig)
	}
	if err := e.load.SetThresholds(cfg.LoadThresholds()); err != nil {
		return fmt.Errorf("%v: %w", err, ErrInvalidConfig)
	}
	e.boost.SetOverride(cfg.ForegroundTGID)
	np := cfg.params()
	e.p.Store(np)
	e.cfg.Store(&cfg)
	if cfg.SliceLagUS < cur.SliceLagUS {
		e.pullFloor(np.lag)
	}

	e.log.WithFields(logrus.Fields{
		"slice_us": cfg.SliceUS,
		"lag_us":   cfg.SliceLagUS,
		"mig_max":  cfg.MigMax,
	}).Info("configuration reloaded")
	return nil
}

// pullFloor moves the global vtime floor up so that no task sits more than
// lag above it, after the lag was shortened.
func (e *Engine) pullFloor(lag uint64) {
	var top uint64
	epoch := e.epoch.Load()
	e.tasks.each(func(_ TaskID, t *task) {
		if t.gen.Load() != epoch {
			return
		}
		if v := t.vtime.Load(); v > top {
			top = v
		}
	})
	atomicMax(&e.vtimeFloor, satSub(top, lag))
}

// Detach stops accepting decisions, waits for in-flight ones, empties every
// queue and returns the tasks that were queued so the caller can hand them
// to the fallback policy. Calling it again returns nil, nil.
func (e *Engine) Detach(ctx context.Context) ([]TaskID, error) {
	e.detachMu.Lock()
	defer e.detachMu.Unlock()

	if e.State() == StateDetached {
		return nil, nil
	}
	e.state.Store(uint32(StateDetaching))

	for e.inflight.Load() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("detach: waiting for %d in-flight decisions: %w", e.inflight.Load(), err)
		}
		runtime.Gosched()
	}

	var ids []TaskID
	for i := range e.cpus {
		c := &e.cpus[i]
		if v := c.direct.Swap(0); v != 0 {
			ids = append(ids, TaskID(v-1))
		}
		ids = append(ids, c.local.drain()...)
		c.curr.Store(0)
		c.runStart.Store(0)
		c.idle.Store(e.validCPU(i))
	}
	ids = append(ids, e.global.drain()...)
	e.strays.clear()
	e.tasks.each(func(_ TaskID, t *task) {
		t.setQueue(QueueNone)
		t.target, t.claimed = -1, -1
	})
	e.queued.Store(0)

	now := e.clock.Now()
	x := &ExitInfo{Kind: ExitDetach, Reason: "detached", At: now}
	notify := e.exit.CompareAndSwap(nil, x)
	e.emit(StatusEvent{Time: now, Kind: StatusDetach, CPU: -1, Detail: fmt.Sprintf("%d tasks returned", len(ids))})
	e.events.close()
	e.state.Store(uint32(StateDetached))

	e.log.WithField("returned", len(ids)).Info("engine detached")
	if notify {
		e.notifyExit(*x)
	}
	return ids, nil
}

// Reattach starts a new generation on a detached engine. Task records from
// the previous generation are reinitialised when next touched.
func (e *Engine) Reattach() error {
	e.detachMu.Lock()
	defer e.detachMu.Unlock()

	if e.State() != StateDetached {
		return fmt.Errorf("reattach: %w", ErrAttached)
	}
	epoch := e.epoch.Add(1)
	e.vtimeFloor.Store(0)
	for i := range e.cpus {
		e.cpus[i].vtimeFloor.Store(0)
		e.cpus[i].interactive.Store(0)
	}
	e.boost.Reset()
	e.load.Reset()
	e.progressAt.Store(0)
	e.exit.Store(nil)
	e.state.Store(uint32(StateAttached))
	e.log.WithField("generation", epoch).Info("engine reattached")
	return nil
}

// warnf logs a throttled warning for a degraded path.
func (e *Engine) warnf(category string, fields logrus.Fields, msg string) {
	if e.throttle.Allow(category) {
		e.log.WithFields(fields).Warn(msg)
	}
}
