package load

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestMonitor(t *testing.T, ncpu int) *Monitor {
	t.Helper()
	m, err := NewMonitor(ncpu, Percent(80, 75), quietLogger())
	require.NoError(t, err)
	return m
}

func pct(p uint64) uint64 { return p * Scale / 100 }

func TestModeSwitchesOnceWhenCrossingHigh(t *testing.T) {
	m := newTestMonitor(t, 4)

	for i := 0; i < 20; i++ {
		assert.Equal(t, Local, m.Record(pct(60)))
	}

	var flips int
	prev := m.Mode()
	for i := 0; i < 40; i++ {
		cur := m.Record(pct(85))
		if cur != prev {
			flips++
		}
		prev = cur
	}
	assert.Equal(t, 1, flips)
	assert.Equal(t, Global, m.Mode())
	assert.Equal(t, uint64(1), m.Switches())

	// inside the band: no way back yet
	for i := 0; i < 40; i++ {
		assert.Equal(t, Global, m.Record(pct(77)))
	}
	assert.GreaterOrEqual(t, m.Utilisation(), Percent(80, 75).Low)

	for i := 0; i < 40 && m.Mode() == Global; i++ {
		m.Record(pct(50))
	}
	assert.Equal(t, Local, m.Mode())
	assert.Less(t, m.Utilisation(), Percent(80, 75).Low)
	assert.Equal(t, uint64(2), m.Switches())
}

func TestNoFlappingAtBoundary(t *testing.T) {
	m := newTestMonitor(t, 1)
	th := m.Thresholds()

	for i := 0; i < 2000; i++ {
		u := th.High - 15
		if i%2 == 0 {
			u = th.High + 15
		}
		m.Record(u)
	}
	assert.LessOrEqual(t, m.Switches(), uint64(1))
}

func TestUpdateFromCounters(t *testing.T) {
	m := newTestMonitor(t, 2)

	assert.Equal(t, Local, m.Update([]Sample{{Busy: 0, Total: 0}, {Busy: 0, Total: 0}}))
	assert.Zero(t, m.Samples(), "first update only seeds baselines")

	m.Update([]Sample{{Busy: 100, Total: 100}, {Busy: 0, Total: 100}})
	assert.Equal(t, uint64(Scale/2), m.Instant())
	assert.Equal(t, uint64(Scale/2), m.Utilisation())

	inst, smoothed := m.CPU(0)
	assert.Equal(t, uint64(Scale), inst)
	assert.Equal(t, uint64(Scale)/8, smoothed)

	inst, _ = m.CPU(1)
	assert.Zero(t, inst)

	inst, smoothed = m.CPU(7)
	assert.Zero(t, inst)
	assert.Zero(t, smoothed)
}

func TestCounterResetReseeds(t *testing.T) {
	m := newTestMonitor(t, 1)
	m.Update([]Sample{{Busy: 500, Total: 1000}})
	m.Update([]Sample{{Busy: 10, Total: 20}})
	assert.Zero(t, m.Samples())
	m.Update([]Sample{{Busy: 20, Total: 40}})
	assert.Equal(t, uint64(Scale/2), m.Instant())
}

func TestThresholds(t *testing.T) {
	assert.ErrorIs(t, Percent(75, 80).Validate(), ErrInvalidThresholds)
	assert.ErrorIs(t, Percent(120, 80).Validate(), ErrInvalidThresholds)
	assert.ErrorIs(t, Percent(80, 0).Validate(), ErrInvalidThresholds)
	assert.NoError(t, Percent(80, 75).Validate())

	m := newTestMonitor(t, 1)
	require.NoError(t, m.SetThresholds(Percent(50, 40)))
	m.Record(pct(55))
	assert.Equal(t, Global, m.Mode())

	m.Reset()
	assert.Equal(t, Local, m.Mode())
	assert.Zero(t, m.Utilisation())
}

func TestHostSampler(t *testing.T) {
	stat := "cpu  300 0 150 1600 50 0 0 0 0 0\n" +
		"cpu0 200 0 100 600 0 0 0 0 0 0\n" +
		"cpu1 100 0 50 1000 50 0 0 0 0 0\n" +
		"ctxt 12345\n"
	path := filepath.Join(t.TempDir(), "stat")
	require.NoError(t, os.WriteFile(path, []byte(stat), 0o644))

	samples, err := (&HostSampler{Path: path}).Sample()
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, Sample{Busy: 300, Total: 900}, samples[0])
	assert.Equal(t, Sample{Busy: 150, Total: 1200}, samples[1])

	_, err = (&HostSampler{Path: filepath.Join(t.TempDir(), "missing")}).Sample()
	assert.Error(t, err)
}
