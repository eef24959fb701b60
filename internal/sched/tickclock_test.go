package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickClockCountsAndStops(t *testing.T) {
	var now uint64
	c := NewTickClock(ClockFunc(func() uint64 { now += 10; return now }), 1)
	c.Start(time.Millisecond)

	first := <-c.C
	assert.Equal(t, int64(1), first.Seq)
	assert.NotZero(t, first.At)
	require.Eventually(t, func() bool { return c.Count() >= 3 }, time.Second, time.Millisecond)

	c.Stop()
	c.Stop()
	last := first
	for tk := range c.C {
		assert.Greater(t, tk.Seq, last.Seq)
		assert.Greater(t, tk.At, last.At)
		last = tk
	}
	assert.GreaterOrEqual(t, c.Count(), int64(3))
	assert.GreaterOrEqual(t, c.Missed(), int64(1), "an unread buffer of one must drop ticks")
}
