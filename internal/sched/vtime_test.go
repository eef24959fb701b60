package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTask(info TaskInfo, floor uint64) *task {
	t := &task{}
	t.reset(info, floor)
	return t
}

func TestMovingAverages(t *testing.T) {
	assert.Equal(t, uint64(125), calcAvg(100, 200))
	assert.Equal(t, uint64(0), calcAvg(0, 3))

	assert.Equal(t, uint64(25), updateFreq(0, ms))
	assert.Equal(t, uint64(40), updateFreq(40, 0))
	assert.Equal(t, uint64(wakeFreqMax), updateFreq(wakeFreqMax, 1))
}

func TestWakeFactor(t *testing.T) {
	assert.Equal(t, uint64(1), wakeFactor(0))
	assert.Equal(t, uint64(1), wakeFactor(255))
	assert.Equal(t, uint64(2), wakeFactor(256))
	assert.Equal(t, uint64(wakeFactorMax), wakeFactor(wakeFreqMax))
}

func TestDeadlineModifiers(t *testing.T) {
	p := testParams()

	plain := newTask(TaskInfo{}, 10*ms)
	assert.Equal(t, 10*ms+p.slice, deadlineFor(plain, false, p))

	heavy := newTask(TaskInfo{Weight: 2 * WeightOne}, 10*ms)
	assert.Equal(t, 10*ms+p.slice/2, deadlineFor(heavy, false, p))

	bg := newTask(TaskInfo{Role: RoleBackground}, 10*ms)
	assert.Equal(t, 10*ms+4*p.slice, deadlineFor(bg, false, p))

	chatty := newTask(TaskInfo{}, 10*ms)
	chatty.wakeFreq = 512
	assert.Equal(t, 10*ms+p.slice/3, deadlineFor(chatty, false, p))

	assert.Equal(t, 10*ms+p.slice-p.boostDiscount, deadlineFor(plain, true, p))

	early := newTask(TaskInfo{}, 0)
	assert.Zero(t, deadlineFor(early, true, p), "discount saturates at zero")
}

func TestSliceShaping(t *testing.T) {
	e := newTestEngine(t, flatTopo(t, 1), nil)
	p := e.p.Load()
	c := &e.cpus[0]

	tk := newTask(TaskInfo{}, 0)
	assert.Equal(t, p.slice, e.sliceFor(tk, c, false, p))
	assert.Equal(t, p.slice/2, e.sliceFor(tk, c, true, p))

	tk.continuous = true
	assert.Equal(t, p.slice, e.sliceFor(tk, c, true, p), "continuous activity keeps the full slice")

	c.interactive.Store(interactiveShrinkAt + 1)
	assert.Equal(t, p.slice*3/4, e.sliceFor(tk, c, false, p))

	heavy := newTask(TaskInfo{Weight: 2 * WeightOne}, 0)
	c.interactive.Store(0)
	assert.Equal(t, 2*p.slice, e.sliceFor(heavy, c, false, p))
}

func TestChargeVtime(t *testing.T) {
	e := newTestEngine(t, flatTopo(t, 1), nil)
	p := e.p.Load()
	c := &e.cpus[0]

	tk := newTask(TaskInfo{Weight: 2 * WeightOne}, 0)
	tk.pending = 3 * ms
	assert.Equal(t, 1500*us, e.chargeVtime(tk, c, p))
	assert.Zero(t, tk.pending)

	// a long run is capped at the global floor plus the lag
	tk.pending = 500 * ms
	assert.Equal(t, p.lag, e.chargeVtime(tk, c, p))

	// a long sleeper is pulled up to the CPU floor minus the lag
	e.vtimeFloor.Store(100 * ms)
	c.vtimeFloor.Store(100 * ms)
	sleeper := newTask(TaskInfo{}, 0)
	assert.Equal(t, 100*ms-p.lag, e.chargeVtime(sleeper, c, p))

	// frequent wakers may lag further behind
	sleeper2 := newTask(TaskInfo{}, 0)
	sleeper2.wakeFreq = 256
	assert.Equal(t, 100*ms-2*p.lag, e.chargeVtime(sleeper2, c, p))

	// vtime never moves back
	ahead := newTask(TaskInfo{}, 150*ms)
	assert.Equal(t, 150*ms, e.chargeVtime(ahead, c, p))
}

func TestContinuousWakeHysteresis(t *testing.T) {
	p := testParams()
	tk := newTask(TaskInfo{}, 0)

	now := uint64(1)
	for i := 0; i < 20; i++ {
		now += ms
		tk.noteWake(now, p)
	}
	assert.True(t, tk.continuous)
	assert.Zero(t, tk.execRuntime)

	now += 100 * ms
	tk.noteWake(now, p)
	assert.True(t, tk.continuous, "one slow wake does not leave continuous mode")

	for i := 0; i < 20; i++ {
		now += 100 * ms
		tk.noteWake(now, p)
	}
	assert.False(t, tk.continuous)
}

func TestPerfHysteresis(t *testing.T) {
	var c cpuState
	c.perf.Store(PerfMax)

	assert.Equal(t, uint32(PerfFloor), c.notePerf(100))
	assert.Equal(t, uint32(PerfFloor), c.notePerf(500), "between the bounds nothing changes")
	assert.Equal(t, uint32(PerfMax), c.notePerf(800))
	assert.Equal(t, uint32(PerfMax), c.notePerf(500))
}

func TestAtomicMax(t *testing.T) {
	var c cpuState
	c.raiseFloor(10)
	c.raiseFloor(5)
	assert.Equal(t, uint64(10), c.vtimeFloor.Load())
}
