package classify

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"latsched/internal/boost"
	"latsched/internal/sched"
)

// Explicit holds roles tagged by the user. They always win.
type Explicit struct {
	mu   sync.RWMutex
	tags map[sched.TaskID]Proposal
}

func NewExplicit() *Explicit {
	return &Explicit{tags: make(map[sched.TaskID]Proposal)}
}

func (x *Explicit) Name() string { return "explicit" }

func (x *Explicit) Tag(id sched.TaskID, role sched.Role, lane boost.Lane) {
	x.mu.Lock()
	x.tags[id] = Proposal{Role: role, Lane: lane, Rank: RankExplicit}
	x.mu.Unlock()
}

func (x *Explicit) Untag(id sched.TaskID) {
	x.mu.Lock()
	delete(x.tags, id)
	x.mu.Unlock()
}

func (x *Explicit) Forget(id sched.TaskID) { x.Untag(id) }

func (x *Explicit) Propose(id sched.TaskID, _ Observation) (Proposal, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	p, ok := x.tags[id]
	return p, ok
}

// Rule maps a thread-name prefix to a role.
type Rule struct {
	Prefix         string
	Role           sched.Role
	Lane           boost.Lane
	ForegroundOnly bool
}

// Names matches the task's command name against prefix rules; the first
// matching rule wins.
type Names struct {
	rules []Rule
}

func NewNames(rules []Rule) *Names {
	return &Names{rules: append([]Rule(nil), rules...)}
}

func (n *Names) Name() string { return "name" }

func (n *Names) Rules() []Rule { return append([]Rule(nil), n.rules...) }

func (n *Names) Propose(_ sched.TaskID, obs Observation) (Proposal, bool) {
	if obs.Comm == "" {
		return Proposal{}, false
	}
	for _, r := range n.rules {
		if r.ForegroundOnly && !obs.Foreground {
			continue
		}
		if strings.HasPrefix(obs.Comm, r.Prefix) {
			return Proposal{Role: r.Role, Lane: r.Lane, Rank: RankName}, true
		}
	}
	return Proposal{}, false
}

const (
	// a foreground task that runs more than 5ms per wake-up and wakes
	// fewer than 10 times per 100ms for 4 samples in a row is batch work
	backgroundExecMin = 5_000_000
	backgroundFreqMax = 10
	backgroundStable  = 4

	// cadence guesses need this many samples
	cadenceMinSamples = 10
)

type patternState struct {
	samples uint64
	high    int
	bg      bool
}

// Pattern classifies from run-time behaviour: background batch work with a
// stable rank, and low-confidence cadence guesses for the other roles.
type Pattern struct {
	log logrus.FieldLogger

	mu           sync.Mutex
	tasks        map[sched.TaskID]*patternState
	declassified uint64
}

func NewPattern(log logrus.FieldLogger) *Pattern {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Pattern{log: log, tasks: make(map[sched.TaskID]*patternState)}
}

func (p *Pattern) Name() string { return "pattern" }

func (p *Pattern) Propose(id sched.TaskID, obs Observation) (Proposal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.tasks[id]
	if st == nil {
		st = &patternState{}
		p.tasks[id] = st
	}
	st.samples++

	was := st.bg
	if obs.Foreground && obs.WakeFreq < backgroundFreqMax && obs.ExecAvg > backgroundExecMin {
		if st.high < backgroundStable {
			st.high++
		}
		if st.high >= backgroundStable {
			st.bg = true
		}
	} else {
		st.high = 0
		st.bg = false
	}
	if was && !st.bg {
		p.declassified++
		p.log.WithFields(logrus.Fields{"task": id, "exec_avg": obs.ExecAvg, "wake_freq": obs.WakeFreq}).Debug("background task declassified")
	}
	if st.bg {
		return Proposal{Role: sched.RoleBackground, Lane: boost.LaneAny, Rank: RankPattern}, true
	}

	if st.samples < cadenceMinSamples {
		return Proposal{}, false
	}
	if role, ok := cadence(obs); ok {
		return Proposal{Role: role, Lane: boost.LaneAny, Rank: RankGuess}, true
	}
	return Proposal{}, false
}

// cadence maps run length and wake rate to a role. The audio band sits
// inside the render band, so it is tested first.
func cadence(obs Observation) (sched.Role, bool) {
	const usec, msec = 1000, 1000_000
	exec, freq := obs.ExecAvg, obs.WakeFreq
	switch {
	case exec < 100*usec && freq > 50:
		return sched.RoleInput, true
	case exec >= 5*msec && exec <= 15*msec && freq >= 8 && freq <= 15:
		return sched.RoleAudio, true
	case exec >= msec && exec <= 16*msec && freq >= 6 && freq <= 24:
		return sched.RoleRender, true
	case obs.Voluntary > 0 && obs.Voluntary > 3*obs.Preempted && exec < 5*msec:
		return sched.RoleNetwork, true
	}
	return sched.RoleUnknown, false
}

// Declassified counts tasks that lost the background tag.
func (p *Pattern) Declassified() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.declassified
}

func (p *Pattern) Forget(id sched.TaskID) {
	p.mu.Lock()
	delete(p.tasks, id)
	p.mu.Unlock()
}
