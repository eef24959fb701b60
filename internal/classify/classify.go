// Package classify turns observations about a task into the role tag the
// engine reads. Several layers propose a role with a rank; the highest rank
// wins and ties go to the layer registered first.
package classify

import (
	"sync"

	"github.com/sirupsen/logrus"

	"latsched/internal/boost"
	"latsched/internal/sched"
)

// Rank orders proposals. Higher ranks override lower ones.
type Rank uint8

const (
	RankNone Rank = iota
	RankGuess
	RankPattern
	RankName
	RankExplicit
)

func (r Rank) String() string {
	switch r {
	case RankNone:
		return "none"
	case RankGuess:
		return "guess"
	case RankPattern:
		return "pattern"
	case RankName:
		return "name"
	case RankExplicit:
		return "explicit"
	default:
		return "unknown"
	}
}

// Observation is what a driver knows about a task at one point in time.
type Observation struct {
	TGID       uint32
	Comm       string
	Foreground bool
	WakeFreq   uint64 // wake-ups per 100ms, smoothed
	ExecAvg    uint64 // ns per wake-up, smoothed
	Voluntary  uint64 // switches out by sleeping
	Preempted  uint64 // switches out by preemption
}

// Proposal is one layer's opinion.
type Proposal struct {
	Role  sched.Role
	Lane  boost.Lane
	Rank  Rank
	Layer string
}

// Layer proposes a role for a task, or nothing.
type Layer interface {
	Name() string
	Propose(id sched.TaskID, obs Observation) (Proposal, bool)
}

// forgetter is implemented by layers that keep per-task state.
type forgetter interface {
	Forget(id sched.TaskID)
}

// RoleSetter receives resolved roles; *sched.Engine implements it.
type RoleSetter interface {
	SetRole(id sched.TaskID, role sched.Role, lane boost.Lane)
}

var unknown = Proposal{Role: sched.RoleUnknown, Lane: boost.LaneAny, Rank: RankNone}

// Resolver runs the layers and remembers the last role of every task.
type Resolver struct {
	layers []Layer
	log    logrus.FieldLogger

	mu      sync.Mutex
	current map[sched.TaskID]Proposal
	changes uint64
}

func NewResolver(log logrus.FieldLogger, layers ...Layer) *Resolver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Resolver{
		layers:  layers,
		log:     log,
		current: make(map[sched.TaskID]Proposal),
	}
}

// Resolve asks every layer and returns the winning proposal without
// recording it.
func (r *Resolver) Resolve(id sched.TaskID, obs Observation) Proposal {
	best := unknown
	for _, l := range r.layers {
		p, ok := l.Propose(id, obs)
		if !ok || p.Rank <= best.Rank {
			continue
		}
		p.Layer = l.Name()
		best = p
	}
	return best
}

// Observe resolves and records the role, reporting whether it changed.
func (r *Resolver) Observe(id sched.TaskID, obs Observation) (Proposal, bool) {
	p := r.Resolve(id, obs)

	r.mu.Lock()
	defer r.mu.Unlock()
	prev, seen := r.current[id]
	if !seen {
		prev = unknown
	}
	r.current[id] = p
	changed := prev.Role != p.Role || prev.Lane != p.Lane
	if changed {
		r.changes++
		r.log.WithFields(logrus.Fields{
			"task":  id,
			"from":  prev.Role,
			"to":    p.Role,
			"layer": p.Layer,
			"rank":  p.Rank,
		}).Debug("role changed")
	}
	return p, changed
}

// Apply observes and pushes a changed role to s.
func (r *Resolver) Apply(s RoleSetter, id sched.TaskID, obs Observation) Proposal {
	p, changed := r.Observe(id, obs)
	if changed {
		s.SetRole(id, p.Role, p.Lane)
	}
	return p
}

// Role returns the last recorded proposal for id.
func (r *Resolver) Role(id sched.TaskID) Proposal {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.current[id]; ok {
		return p
	}
	return unknown
}

// Forget drops every trace of a task that exited.
func (r *Resolver) Forget(id sched.TaskID) {
	r.mu.Lock()
	delete(r.current, id)
	r.mu.Unlock()
	for _, l := range r.layers {
		if f, ok := l.(forgetter); ok {
			f.Forget(id)
		}
	}
}

func (r *Resolver) Changes() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changes
}

// Counts returns how many tracked tasks currently hold each role.
func (r *Resolver) Counts() map[sched.Role]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[sched.Role]int)
	for _, p := range r.current {
		out[p.Role]++
	}
	return out
}
