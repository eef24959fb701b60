package sched

import (
	"latsched/internal/boost"
)

const (
	wakeFreqMax   = 10000 // wakeups per 100ms
	wakeFreqShift = 8
	wakeFactorMax = 4
)

// calcAvg is a 3/4 old + 1/4 new moving average.
func calcAvg(old, sample uint64) uint64 {
	return (old - old>>2) + sample>>2
}

// updateFreq folds one wake interval into a wakeups-per-100ms average.
func updateFreq(freq, interval uint64) uint64 {
	if interval == 0 {
		return freq
	}
	f := calcAvg(freq, 100*nsPerMS/interval)
	if f > wakeFreqMax {
		f = wakeFreqMax
	}
	return f
}

func satSub(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return 0
}

func scaleByWeight(v uint64, w uint32) uint64 { return v * uint64(w) / WeightOne }

func scaleByWeightInverse(v uint64, w uint32) uint64 { return v * WeightOne / uint64(w) }

func wakeFactor(freq uint64) uint64 {
	f := 1 + freq>>wakeFreqShift
	if f > wakeFactorMax {
		f = wakeFactorMax
	}
	return f
}

// noteWake updates the task's wake frequency and continuous flag.
func (t *task) noteWake(now uint64, p *params) {
	if t.lastWoke != 0 && now > t.lastWoke {
		t.wakeFreq = updateFreq(t.wakeFreq, now-t.lastWoke)
	}
	t.lastWoke = now
	t.execRuntime = 0
	switch {
	case !t.continuous && p.contEnter > 0 && t.wakeFreq >= p.contEnter:
		t.continuous = true
	case t.continuous && t.wakeFreq < p.contExit:
		t.continuous = false
	}
}

// foreground reports whether the task belongs to the foreground application.
func (e *Engine) foreground(t *task) bool {
	return e.boost.IsForeground(t.tgid.Load(), t.parent.Load(), t.grandparent.Load())
}

// boostActive reports whether a boost window matching the task's role is
// open at now.
func (e *Engine) boostActive(t *task, now uint64) bool {
	b := e.boost
	switch t.roleTag() {
	case RoleInput:
		return e.foreground(t) && b.LaneActive(t.laneHint(), now)
	case RoleRender:
		return e.foreground(t) && (b.Active(boost.Frame, now) || b.Active(boost.Input, now))
	case RoleAudio:
		return b.Active(boost.Input, now) || b.Active(boost.Frame, now)
	case RoleNetwork:
		return b.Active(boost.Network, now) || b.Active(boost.Input, now)
	case RoleBackground:
		return false
	default:
		return e.foreground(t) && b.Active(boost.Input, now)
	}
}

// continuousActivity reports sustained high-rate activity for the task,
// either from its own wake pattern or from its input lane.
func (e *Engine) continuousActivity(t *task) bool {
	if t.continuous {
		return true
	}
	switch t.roleTag() {
	case RoleInput:
		return e.boost.Continuous(t.laneHint())
	case RoleUnknown:
		return e.boost.Continuous(boost.LaneAny)
	}
	return false
}

// sliceFor computes the time slice for t on cpu.
func (e *Engine) sliceFor(t *task, c *cpuState, boosted bool, p *params) uint64 {
	s := p.slice
	if boosted && !e.continuousActivity(t) {
		s >>= 1
	}
	if c != nil && c.interactive.Load() > interactiveShrinkAt {
		s = s * 3 >> 2
	}
	s = scaleByWeight(s, t.weight.Load())
	if s == 0 {
		s = 1
	}
	return s
}

// deadlineFor is vtime + slice/weight, adjusted by role and wake frequency,
// minus the boost discount for boosted tasks.
func deadlineFor(t *task, boosted bool, p *params) uint64 {
	term := scaleByWeightInverse(p.slice, t.weight.Load())
	if t.roleTag() == RoleBackground {
		term <<= 2
	}
	term /= wakeFactor(t.wakeFreq)

	d := t.vtime.Load() + term
	if boosted {
		d = satSub(d, p.boostDiscount)
	}
	return d
}

// chargeVtime folds pending runtime into vtime and applies the lag bounds:
// never above the global floor plus lag, never below the CPU floor minus the
// (wake-scaled) lag, and never decreasing.
func (e *Engine) chargeVtime(t *task, c *cpuState, p *params) uint64 {
	w := t.weight.Load()
	old := t.vtime.Load()
	v := old + scaleByWeightInverse(t.pending, w)
	t.pending = 0

	if c != nil {
		sleepMax := scaleByWeight(p.lag*wakeFactor(t.wakeFreq), w)
		if lo := satSub(c.vtimeFloor.Load(), sleepMax); v < lo {
			v = lo
		}
	}
	if limit := e.vtimeFloor.Load() + p.lag; v > limit {
		v = limit
	}
	if v < old {
		v = old
	}
	t.vtime.Store(v)
	return v
}
