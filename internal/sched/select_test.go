package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"latsched/internal/topology"
)

func occupy(e *Engine, cpus ...int) {
	for _, c := range cpus {
		e.cpus[c].idle.Store(false)
	}
}

func TestPinnedTaskKeepsPreviousCPU(t *testing.T) {
	e := newTestEngine(t, flatTopo(t, 4), nil)
	require.True(t, e.CreateTask(1, TaskInfo{Pinned: true, CPU: 3}))

	sel := e.SelectCPU(1, 3, -1, false, ms)
	assert.Equal(t, Selection{CPU: 3, Reason: ReasonPinned, Queue: QueueLocal}, sel)

	occupy(e, 0)
	pl := e.Enqueue(1, EnqWakeup, ms)
	assert.Equal(t, 3, pl.CPU)
	assert.Zero(t, e.Snapshot().MigrationAttempts)
}

func TestSyncWakeColocatesWithWaker(t *testing.T) {
	e := newTestEngine(t, flatTopo(t, 2), func(c *Config) { c.MMHint = false })
	require.True(t, e.CreateTask(1, TaskInfo{CPU: 0}))
	occupy(e, 0, 1)

	sel := e.SelectCPU(1, 0, 1, true, ms)
	assert.Equal(t, ReasonSyncWaker, sel.Reason)
	assert.Equal(t, 1, sel.CPU)
	assert.False(t, sel.Idle)

	sel = e.SelectCPU(1, 0, 1, false, ms)
	assert.Equal(t, ReasonFallback, sel.Reason)
	assert.Equal(t, 0, sel.CPU)
}

func TestSyncWakeSkipsBusyWaker(t *testing.T) {
	e := newTestEngine(t, flatTopo(t, 2), func(c *Config) { c.MMHint = false })
	require.True(t, e.CreateTask(1, TaskInfo{CPU: 0}))
	require.True(t, e.CreateTask(2, TaskInfo{CPU: 1}))
	e.Enqueue(2, EnqRequeue, ms)
	occupy(e, 0, 1)

	sel := e.SelectCPU(1, 0, 1, true, ms)
	assert.Equal(t, ReasonFallback, sel.Reason)
}

func TestSyncWakeWithSharedAddressSpace(t *testing.T) {
	e := newTestEngine(t, flatTopo(t, 2), func(c *Config) {
		c.MMHint = false
		c.MMAffinity = true
	})
	require.True(t, e.CreateTask(1, TaskInfo{MM: 5, CPU: 0}))
	require.True(t, e.CreateTask(2, TaskInfo{MM: 5, CPU: 1}))
	require.True(t, e.CreateTask(3, TaskInfo{MM: 6, CPU: 1}))
	e.Enqueue(3, EnqRequeue, ms)
	e.Running(2, 1, ms)
	occupy(e, 0)

	sel := e.SelectCPU(1, 0, 1, true, ms)
	assert.Equal(t, ReasonSyncWaker, sel.Reason)
	assert.Equal(t, 1, sel.CPU)
}

func TestNoWakeSyncDisablesColocation(t *testing.T) {
	e := newTestEngine(t, flatTopo(t, 2), func(c *Config) {
		c.MMHint = false
		c.NoWakeSync = true
	})
	require.True(t, e.CreateTask(1, TaskInfo{CPU: 0}))
	occupy(e, 0, 1)

	assert.Equal(t, ReasonFallback, e.SelectCPU(1, 0, 1, true, ms).Reason)
}

func TestPreferredScanFavoursCapacity(t *testing.T) {
	topo := flatTopo(t, 4)
	topo.SetCapacity(2, 2048)
	e := newTestEngine(t, topo, func(c *Config) { c.PreferredIdleScan = true })
	require.True(t, e.CreateTask(1, TaskInfo{CPU: 0}))

	sel := e.SelectCPU(1, 0, -1, false, ms)
	assert.Equal(t, 2, sel.CPU)
	assert.Equal(t, ReasonIdleScan, sel.Reason)
}

func TestPreferredCPUListFromConfig(t *testing.T) {
	e := newTestEngine(t, flatTopo(t, 4), func(c *Config) {
		c.PreferredIdleScan = true
		c.PreferredCPUs = "3,1"
	})
	require.True(t, e.CreateTask(1, TaskInfo{CPU: 0}))
	assert.Equal(t, 3, e.SelectCPU(1, 0, -1, false, ms).CPU)

	require.True(t, e.CreateTask(2, TaskInfo{CPU: 0}))
	assert.Equal(t, 1, e.SelectCPU(2, 0, -1, false, ms).CPU)
}

func TestPreferredCPUListLeavesCallerTopology(t *testing.T) {
	topo := flatTopo(t, 4)
	e := newTestEngine(t, topo, func(c *Config) { c.PreferredCPUs = "3,1" })

	assert.Equal(t, []int{0, 1, 2, 3}, topo.Preferred())
	assert.Equal(t, []int{3, 1, 0, 2}, e.Topology().Preferred())
}

func TestFlatScanIgnoresPrevious(t *testing.T) {
	e := newTestEngine(t, flatTopo(t, 4), func(c *Config) { c.FlatIdleScan = true })
	require.True(t, e.CreateTask(1, TaskInfo{CPU: 3}))
	assert.Equal(t, 0, e.SelectCPU(1, 3, -1, false, ms).CPU)
}

func TestNUMAScanStaysOnNode(t *testing.T) {
	topo, err := topology.Synthetic(4, 1, 2)
	require.NoError(t, err)
	require.Equal(t, 1, topo.Node(2))

	e := newTestEngine(t, topo, func(c *Config) { c.NUMA = true })
	require.True(t, e.CreateTask(1, TaskInfo{CPU: 2}))
	occupy(e, 2)
	assert.Equal(t, 3, e.SelectCPU(1, 2, -1, false, ms).CPU)

	e2 := newTestEngine(t, topo, nil)
	require.True(t, e2.CreateTask(1, TaskInfo{CPU: 2}))
	occupy(e2, 2)
	assert.Equal(t, 0, e2.SelectCPU(1, 2, -1, false, ms).CPU)
}

func TestAvoidSMTSkipsBusyCores(t *testing.T) {
	topo, err := topology.Synthetic(4, 2, 1)
	require.NoError(t, err)
	e := newTestEngine(t, topo, func(c *Config) { c.AvoidSMT = true })
	require.True(t, e.CreateTask(1, TaskInfo{CPU: 0}))

	// cpu 0 busy makes its sibling 2 a contended choice
	occupy(e, 0)
	assert.Equal(t, 1, e.SelectCPU(1, 0, -1, false, ms).CPU)
}

func TestAffinityHitRespectsNUMA(t *testing.T) {
	topo, err := topology.Synthetic(4, 1, 2)
	require.NoError(t, err)
	e := newTestEngine(t, topo, func(c *Config) { c.NUMA = true })
	require.True(t, e.CreateTask(1, TaskInfo{MM: 3, CPU: 3}))
	require.True(t, e.CreateTask(2, TaskInfo{MM: 3, CPU: 0}))
	wakeAndRun(t, e, 1, 3, ms)

	sel := e.SelectCPU(2, 0, -1, false, 2*ms)
	assert.Equal(t, ReasonIdleScan, sel.Reason)
	assert.Equal(t, 0, sel.CPU)
}

func TestNAPIPreference(t *testing.T) {
	e := newTestEngine(t, flatTopo(t, 4), func(c *Config) {
		c.PreferNAPI = true
		c.FlatIdleScan = true
	})
	require.True(t, e.CreateTask(1, TaskInfo{Role: RoleNetwork, CPU: 2}))

	e.NoteNetworkIRQ(2, 10*ms)
	sel := e.SelectCPU(1, 2, -1, false, 11*ms)
	assert.Equal(t, ReasonNAPI, sel.Reason)
	assert.Equal(t, 2, sel.CPU)

	// outside the network window the flat scan wins
	e.Enqueue(1, EnqWakeup, 11*ms)
	_, ok := e.Dispatch(2, 11*ms)
	require.True(t, ok)
	e.Running(1, 2, 11*ms)
	e.Stopping(1, 2, us, false, 11*ms+us)
	e.Dispatch(2, 11*ms+us)
	sel = e.SelectCPU(1, 2, -1, false, 30*ms)
	assert.Equal(t, ReasonIdleScan, sel.Reason)
	assert.Equal(t, 0, sel.CPU)
}

func TestAbandonedReservationIsReleased(t *testing.T) {
	e := newTestEngine(t, flatTopo(t, 2), func(c *Config) { c.MMHint = false })
	require.True(t, e.CreateTask(1, TaskInfo{CPU: 0}))

	first := e.SelectCPU(1, 0, -1, false, ms)
	require.True(t, first.Idle)
	second := e.SelectCPU(1, 0, -1, false, 2*ms)
	assert.Equal(t, first.CPU, second.CPU)

	idle := 0
	for i := 0; i < 2; i++ {
		if st, _ := e.CPU(i); st.Idle {
			idle++
		}
	}
	assert.Equal(t, 1, idle)
}

func TestSelectionCountsReasons(t *testing.T) {
	e := newTestEngine(t, flatTopo(t, 1), nil)
	require.True(t, e.CreateTask(1, TaskInfo{CPU: 0}))
	e.SelectCPU(1, 0, -1, false, ms)
	e.SelectCPU(1, 0, -1, false, ms)

	s := e.Snapshot()
	assert.Equal(t, uint64(2), s.Selections[ReasonIdleScan])
	assert.Equal(t, uint64(0), s.Selections[ReasonFallback])
}

func TestEnqueueFollowsSyncSelection(t *testing.T) {
	e := newTestEngine(t, flatTopo(t, 2), func(c *Config) { c.MMHint = false })
	require.True(t, e.CreateTask(1, TaskInfo{CPU: 0}))
	occupy(e, 0, 1)

	sel := e.SelectCPU(1, 0, 1, true, ms)
	require.Equal(t, ReasonSyncWaker, sel.Reason)
	require.False(t, sel.Idle)

	pl := e.Enqueue(1, EnqWakeup|EnqSync, ms)
	assert.Equal(t, 1, pl.CPU, "task is queued next to its waker")
	assert.Equal(t, QueueLocal, pl.Queue)
	assert.True(t, pl.Migrated)

	got, ok := e.Dispatch(1, ms)
	require.True(t, ok)
	assert.Equal(t, TaskID(1), got)
}

func TestEnqueueFollowsFallbackSelection(t *testing.T) {
	e := newTestEngine(t, flatTopo(t, 4), func(c *Config) { c.MMHint = false })
	require.True(t, e.CreateTask(1, TaskInfo{CPU: 0}))
	occupy(e, 0, 1, 2, 3)

	sel := e.SelectCPU(1, 2, -1, false, ms)
	require.Equal(t, Selection{CPU: 2, Reason: ReasonFallback, Queue: QueueLocal}, sel)

	pl := e.Enqueue(1, EnqWakeup, ms)
	assert.Equal(t, 2, pl.CPU)

	// without a selection the task stays where it last ran
	e.Dispatch(2, ms)
	e.Running(1, 2, ms)
	e.Stopping(1, 2, 100*us, true, 2*ms)
	pl = e.Enqueue(1, EnqRequeue, 2*ms)
	assert.Equal(t, 2, pl.CPU)
}
