// Package sim drives an Engine with a synthetic workload on a virtual clock.
// Nothing runs for real: CPUs and tasks are records, and every decision the
// engine makes is applied to them in event order.
package sim

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/emirpasic/gods/trees/binaryheap"
	"github.com/sirupsen/logrus"

	"latsched/internal/boost"
	"latsched/internal/classify"
	"latsched/internal/job"
	"latsched/internal/sched"
	"latsched/internal/topology"
)

const (
	foregroundTGID = 1000
	traceBuffer    = 1 << 14
	ctxCheckEvery  = 4096
)

// Config is everything one run needs. Zero values pick defaults.
type Config struct {
	Engine   sched.Config
	Topology *topology.Topology
	Workload job.Workload
	Rules    []classify.Rule
	Seed     int64
	// StarveAfterMS marks a task as starved when it waited longer than
	// this for a CPU. 0 means 500ms.
	StarveAfterMS uint64
	// Trace receives every status event when set.
	Trace  *sched.TraceWriter
	Logger logrus.FieldLogger
}

type eventKind uint8

const (
	evWake eventKind = iota
	evStop
	evTick
	evInput
	evFrame
	evNetwork
)

type event struct {
	at   uint64
	seq  uint64
	kind eventKind
	task int
	cpu  int
	gen  uint64
}

func byTime(a, b any) int {
	ea, eb := a.(event), b.(event)
	switch {
	case ea.at < eb.at:
		return -1
	case ea.at > eb.at:
		return 1
	case ea.seq < eb.seq:
		return -1
	case ea.seq > eb.seq:
		return 1
	default:
		return 0
	}
}

type simTask struct {
	id       sched.TaskID
	name     string
	comm     string
	b        *job.Behavior
	wake     job.Wake
	fg       bool
	burst    job.Burst
	burstRan uint64
	cpu      int
	sleeping bool

	waiting bool
	wokeAt  uint64
	maxWait uint64

	slice     uint64
	execAvg   uint64
	voluntary uint64
	preempted uint64
	runs      uint64
	runtime   uint64
	wakes     uint64
}

type simCPU struct {
	running int // index into tasks, -1 when idle
	start   uint64
	gen     uint64
	busy    uint64
}

// Sim is one simulation run. It is not safe for concurrent use.
type Sim struct {
	cfg  Config
	log  logrus.FieldLogger
	rng  *rand.Rand
	now  uint64
	end  uint64
	seq  uint64
	heap *binaryheap.Heap

	engine   *sched.Engine
	resolver *classify.Resolver
	pattern  *classify.Pattern

	tasks []*simTask
	cpus  []simCPU
	lane  boost.Lane

	events   <-chan sched.StatusEvent
	traceErr error

	latency map[sched.Role][]uint64
	nevents uint64
}

// New validates the configuration and builds the engine and the tasks.
func New(cfg Config) (*Sim, error) {
	if cfg.Topology == nil {
		return nil, topology.ErrEmpty
	}
	if err := cfg.Workload.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Rules == nil {
		cfg.Rules = classify.DefaultRules()
	}
	if cfg.StarveAfterMS == 0 {
		cfg.StarveAfterMS = 500
	}
	lane, err := boost.ParseLane(cfg.Workload.InputLane)
	if err != nil {
		return nil, err
	}

	s := &Sim{
		cfg:     cfg,
		log:     cfg.Logger.WithField("component", "sim"),
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		end:     cfg.Workload.DurationMS * 1000_000,
		heap:    binaryheap.NewWith(byTime),
		cpus:    make([]simCPU, cfg.Topology.NumCPUs()),
		lane:    lane,
		latency: make(map[sched.Role][]uint64),
	}
	for i := range s.cpus {
		s.cpus[i].running = -1
	}

	s.engine, err = sched.New(cfg.Engine, cfg.Topology, sched.Options{
		Logger: cfg.Logger,
		Clock:  sched.ClockFunc(func() uint64 { return s.now }),
	})
	if err != nil {
		return nil, err
	}

	var explicit *classify.Explicit
	s.resolver, explicit, s.pattern = classify.NewStandard(cfg.Rules, cfg.Logger)

	for bi := range cfg.Workload.Tasks {
		b := &cfg.Workload.Tasks[bi]
		wake, err := b.Validate()
		if err != nil {
			return nil, err
		}
		role, tagLane, err := b.Tag()
		if err != nil {
			return nil, err
		}
		for n := 0; n < b.Tasks(); n++ {
			id := sched.TaskID(len(s.tasks))
			t := &simTask{id: id, name: b.Name, comm: b.Comm, b: b, wake: wake, fg: b.Foreground, cpu: -1, sleeping: true}
			if b.Tasks() > 1 {
				t.name = fmt.Sprintf("%s-%d", b.Name, n)
			}
			tgid := uint32(2000 + len(s.tasks))
			if b.Foreground {
				tgid = foregroundTGID
			}
			info := sched.TaskInfo{
				TGID:   tgid,
				MM:     b.MM,
				Role:   role,
				Lane:   tagLane,
				Weight: b.Weight,
				Pinned: b.Pinned,
				CPU:    -1,
			}
			if b.Pinned {
				info.CPU = int(id) % len(s.cpus)
				t.cpu = info.CPU
			}
			if !s.engine.CreateTask(id, info) {
				s.log.WithField("task", t.name).Warn("task table full, running untracked")
			}
			if b.Role != "" {
				explicit.Tag(id, role, tagLane)
			}
			s.tasks = append(s.tasks, t)
		}
	}
	s.engine.SetForeground(foregroundTGID)
	return s, nil
}

// Engine exposes the engine under test.
func (s *Sim) Engine() *sched.Engine { return s.engine }

func (s *Sim) push(ev event) {
	s.seq++
	ev.seq = s.seq
	s.heap.Push(ev)
}

// Run executes the workload until its duration is over, the engine stops or
// ctx is cancelled.
func (s *Sim) Run(ctx context.Context) (*Report, error) {
	if s.cfg.Trace != nil {
		ch, err := s.engine.Events(traceBuffer)
		if err != nil {
			return nil, err
		}
		s.events = ch
	}

	s.seed()
	var runErr error
	for !s.heap.Empty() {
		v, _ := s.heap.Pop()
		ev := v.(event)
		if ev.at > s.end {
			break
		}
		s.now = ev.at
		s.handle(ev)
		s.drainTrace()
		s.nevents++

		if st := s.engine.State(); st != sched.StateAttached {
			s.log.WithField("state", st).Warn("engine stopped deciding, ending run")
			break
		}
		if s.nevents%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				runErr = err
				break
			}
		}
	}

	rep := s.report()
	if _, err := s.engine.Detach(context.Background()); err != nil {
		return rep, err
	}
	if s.events != nil {
		if err := s.cfg.Trace.Consume(s.events); err != nil && s.traceErr == nil {
			s.traceErr = err
		}
		rep.TraceRows = s.cfg.Trace.Rows()
	}
	if runErr != nil {
		return rep, runErr
	}
	if s.traceErr != nil {
		return rep, fmt.Errorf("trace: %w", s.traceErr)
	}
	return rep, nil
}

// seed schedules the first wake of every timer task and the periodic
// sources.
func (s *Sim) seed() {
	for i, t := range s.tasks {
		if t.wake == job.WakeTimer {
			s.push(event{at: uint64(s.rng.Int63n(int64(1000_000))), kind: evWake, task: i})
		}
	}
	tick := s.cfg.Engine.TickUS * 1000
	s.push(event{at: tick, kind: evTick})
	w := s.cfg.Workload
	if w.InputHz > 0 {
		s.push(event{at: period(w.InputHz), kind: evInput})
	}
	if w.FrameHz > 0 {
		s.push(event{at: period(w.FrameHz), kind: evFrame})
	}
	if w.NetworkHz > 0 {
		s.push(event{at: period(w.NetworkHz), kind: evNetwork})
	}
}

func period(hz uint64) uint64 { return 1000_000_000 / hz }

func (s *Sim) handle(ev event) {
	switch ev.kind {
	case evWake:
		s.wake(s.tasks[ev.task])
	case evStop:
		s.stop(ev.cpu, ev.gen)
	case evTick:
		s.engine.Tick(s.now)
		s.push(event{at: s.now + s.cfg.Engine.TickUS*1000, kind: evTick})
	case evInput:
		s.engine.Trigger(boost.Trigger{Category: boost.Input, Lane: s.lane, At: s.now})
		s.wakeAll(job.WakeInput)
		s.push(event{at: s.now + period(s.cfg.Workload.InputHz), kind: evInput})
	case evFrame:
		s.engine.Trigger(boost.Trigger{Category: boost.Frame, At: s.now})
		s.wakeAll(job.WakeFrame)
		s.push(event{at: s.now + period(s.cfg.Workload.FrameHz), kind: evFrame})
	case evNetwork:
		s.engine.NoteNetworkIRQ(s.rng.Intn(len(s.cpus)), s.now)
		s.wakeAll(job.WakeNetwork)
		s.push(event{at: s.now + period(s.cfg.Workload.NetworkHz), kind: evNetwork})
	}
}

func (s *Sim) wakeAll(src job.Wake) {
	for _, t := range s.tasks {
		if t.wake == src && t.sleeping {
			s.wake(t)
		}
	}
}

func (s *Sim) wake(t *simTask) {
	if !t.sleeping {
		return
	}
	t.sleeping = false
	t.burst.Remaining = t.b.NextBurst(s.rng)
	t.burstRan = 0
	t.waiting = true
	t.wokeAt = s.now
	t.wakes++

	s.engine.SelectCPU(t.id, t.cpu, -1, false, s.now)
	s.place(t, s.engine.Enqueue(t.id, sched.EnqWakeup, s.now))
}

// place records the placement and starts idle CPUs that can take the task.
func (s *Sim) place(t *simTask, pl sched.Placement) {
	t.slice = pl.Slice
	if pl.Queue == sched.QueueGlobal {
		for cpu := range s.cpus {
			s.kick(cpu)
		}
		return
	}
	if pl.CPU >= 0 && pl.CPU < len(s.cpus) {
		s.kick(pl.CPU)
	}
}

func (s *Sim) kick(cpu int) {
	if s.cpus[cpu].running < 0 {
		s.dispatch(cpu)
	}
}

func (s *Sim) dispatch(cpu int) {
	id, ok := s.engine.Dispatch(cpu, s.now)
	if !ok {
		return
	}
	idx := int(id)
	if idx < 0 || idx >= len(s.tasks) {
		s.log.WithField("task", id).Error("engine dispatched an unknown task")
		return
	}
	t := s.tasks[idx]
	c := &s.cpus[cpu]
	c.running = idx
	c.start = s.now
	c.gen++
	s.engine.Running(id, cpu, s.now)

	if t.waiting {
		wait := s.now - t.wokeAt
		if wait > t.maxWait {
			t.maxWait = wait
		}
		role := sched.RoleUnknown
		if st, ok := s.engine.Task(id); ok {
			role = st.Role
		}
		s.latency[role] = append(s.latency[role], wait)
		t.waiting = false
	}
	t.cpu = cpu
	t.runs++

	run := t.burst.Remaining
	if t.slice > 0 && t.slice < run {
		run = t.slice
	}
	s.push(event{at: s.now + run, kind: evStop, cpu: cpu, gen: c.gen})
}

func (s *Sim) stop(cpu int, gen uint64) {
	c := &s.cpus[cpu]
	if c.gen != gen || c.running < 0 {
		return
	}
	t := s.tasks[c.running]
	ran := s.now - c.start
	c.running = -1
	c.busy += ran
	t.runtime += ran
	t.burstRan += ran

	if t.burst.Consume(ran) {
		t.voluntary++
		t.execAvg = (t.execAvg*7 + t.burstRan) >> 3
		s.engine.Stopping(t.id, cpu, ran, false, s.now)
		s.classify(t)
		t.sleeping = true
		if t.wake == job.WakeTimer {
			s.push(event{at: s.now + t.b.NextSleep(s.rng), kind: evWake, task: int(t.id)})
		}
	} else {
		t.preempted++
		s.engine.Stopping(t.id, cpu, ran, true, s.now)
		s.place(t, s.engine.Enqueue(t.id, sched.EnqRequeue, s.now))
	}
	s.kick(cpu)
}

func (s *Sim) classify(t *simTask) {
	obs := classify.Observation{
		Comm:       t.comm,
		Foreground: t.fg,
		ExecAvg:    t.execAvg,
		Voluntary:  t.voluntary,
		Preempted:  t.preempted,
	}
	if st, ok := s.engine.Task(t.id); ok {
		obs.WakeFreq = st.WakeFreq
	}
	s.resolver.Apply(s.engine, t.id, obs)
}

func (s *Sim) drainTrace() {
	if s.events == nil {
		return
	}
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				s.events = nil
				return
			}
			if err := s.cfg.Trace.Write(ev); err != nil && s.traceErr == nil {
				s.traceErr = err
			}
		default:
			return
		}
	}
}
