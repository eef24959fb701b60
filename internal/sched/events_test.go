package sched

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventStreamTrace(t *testing.T) {
	e := newTestEngine(t, flatTopo(t, 2), nil)
	ch, err := e.Events(64)
	require.NoError(t, err)

	require.True(t, e.CreateTask(1, TaskInfo{CPU: 0}))
	wakeAndRun(t, e, 1, 0, ms)
	_, err = e.Detach(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	tw, err := newTraceWriter(&buf, nil)
	require.NoError(t, err)
	require.NoError(t, tw.Consume(ch))
	require.NoError(t, tw.Close())
	assert.Equal(t, 5, tw.Rows())

	recs, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 6)
	assert.Equal(t, "time_ns", recs[0][0])

	var kinds []string
	for _, r := range recs[1:] {
		kinds = append(kinds, r[1])
	}
	assert.Equal(t, []string{"Enqueued", "Dispatch", "Sleep", "Idle", "Detach"}, kinds)
	assert.Equal(t, []string{"1000000", "Enqueued", "1", "0"}, recs[1][:4])
	assert.Equal(t, "100000", recs[3][6], "sleep row carries the runtime")

	_, err = e.Events(8)
	assert.ErrorIs(t, err, ErrDetached)
}

func TestEventStreamDropsWhenFull(t *testing.T) {
	e := newTestEngine(t, flatTopo(t, 1), nil)
	ch, err := e.Events(1)
	require.NoError(t, err)

	require.True(t, e.CreateTask(1, TaskInfo{CPU: 0}))
	wakeAndRun(t, e, 1, 0, ms)

	assert.Len(t, ch, 1)
	assert.Equal(t, uint64(3), e.Snapshot().EventsDropped)
}

func TestEventsWithoutReaderCostNothing(t *testing.T) {
	e := newTestEngine(t, flatTopo(t, 1), nil)
	require.True(t, e.CreateTask(1, TaskInfo{CPU: 0}))
	wakeAndRun(t, e, 1, 0, ms)
	assert.Zero(t, e.Snapshot().EventsDropped)
}

func TestReopeningEventsClosesPrevious(t *testing.T) {
	e := newTestEngine(t, flatTopo(t, 1), nil)
	first, err := e.Events(4)
	require.NoError(t, err)
	_, err = e.Events(4)
	require.NoError(t, err)

	_, open := <-first
	assert.False(t, open)
}

func TestTraceWriterFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.csv")
	tw, err := NewTraceWriter(path)
	require.NoError(t, err)
	require.NoError(t, tw.Write(StatusEvent{Time: 7, Kind: StatusModeSwitch, CPU: -1, Detail: "global"}))
	require.NoError(t, tw.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "time_ns,event,task_id,cpu,vtime,deadline,ran_ns,detail\n7,ModeSwitch,0,-1,0,0,0,global\n", string(data))

	_, err = NewTraceWriter(filepath.Join(t.TempDir(), "missing", "trace.csv"))
	assert.Error(t, err)
}
