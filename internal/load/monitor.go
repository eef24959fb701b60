// Package load turns per-CPU busy/total samples into a smoothed utilisation
// estimate and the LOCAL/GLOBAL queueing mode.
package load

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Scale is fixed-point 100% utilisation.
const Scale = 1024

var ErrInvalidThresholds = errors.New("invalid load thresholds")

// Mode is the queueing policy selected by load.
type Mode uint32

const (
	// Local keeps tasks on per-CPU FIFO queues.
	Local Mode = iota
	// Global places tasks on the shared deadline-ordered queue.
	Global
)

func (m Mode) String() string {
	switch m {
	case Local:
		return "local"
	case Global:
		return "global"
	default:
		return "unknown"
	}
}

// Thresholds are in Scale units. High must be above Low; the gap between
// them is the hysteresis band.
type Thresholds struct {
	High uint64
	Low  uint64
}

// Percent converts whole percentages into Thresholds.
func Percent(high, low int) Thresholds {
	return Thresholds{
		High: uint64(high) * Scale / 100,
		Low:  uint64(low) * Scale / 100,
	}
}

func (t Thresholds) Validate() error {
	if t.High > Scale || t.Low == 0 || t.Low >= t.High {
		return fmt.Errorf("%w: need 0 < low (%d) < high (%d) <= %d", ErrInvalidThresholds, t.Low, t.High, Scale)
	}
	return nil
}

// Sample is a cumulative busy/total counter pair for one CPU, in any unit.
type Sample struct {
	Busy  uint64
	Total uint64
}

type cpuLoad struct {
	prev    Sample
	seeded  bool
	instant atomic.Uint64
	ema     atomic.Uint64
}

// Monitor is updated by a single ticking caller and read concurrently.
type Monitor struct {
	log logrus.FieldLogger
	th  atomic.Pointer[Thresholds]

	mu   sync.Mutex // serialises updates
	cpus []cpuLoad

	instant  atomic.Uint64
	ema      atomic.Uint64
	mode     atomic.Uint32
	switches atomic.Uint64
	samples  atomic.Uint64
}

func NewMonitor(ncpu int, th Thresholds, log logrus.FieldLogger) (*Monitor, error) {
	if ncpu <= 0 {
		return nil, fmt.Errorf("load monitor needs at least one CPU, got %d", ncpu)
	}
	if err := th.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &Monitor{
		log:  log.WithField("component", "load"),
		cpus: make([]cpuLoad, ncpu),
	}
	m.th.Store(&th)
	return m, nil
}

func (m *Monitor) SetThresholds(th Thresholds) error {
	if err := th.Validate(); err != nil {
		return err
	}
	m.th.Store(&th)
	return nil
}

func (m *Monitor) Thresholds() Thresholds { return *m.th.Load() }

func ema(old, sample uint64) uint64 { return (old*7 + sample) >> 3 }

// Update feeds cumulative per-CPU counters. The first call only seeds the
// baselines. Entries beyond the monitored CPU count are ignored.
func (m *Monitor) Update(samples []Sample) Mode {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum, n uint64
	for i := range samples {
		if i >= len(m.cpus) {
			break
		}
		c := &m.cpus[i]
		s := samples[i]
		if !c.seeded || s.Total < c.prev.Total || s.Busy < c.prev.Busy {
			c.prev, c.seeded = s, true
			continue
		}
		dt, db := s.Total-c.prev.Total, s.Busy-c.prev.Busy
		c.prev = s
		if dt == 0 {
			continue
		}
		if db > dt {
			db = dt
		}
		u := db * Scale / dt
		c.instant.Store(u)
		c.ema.Store(ema(c.ema.Load(), u))
		sum += u
		n++
	}
	if n == 0 {
		return Mode(m.mode.Load())
	}
	return m.record(sum / n)
}

// Record feeds one system-wide utilisation sample in Scale units.
func (m *Monitor) Record(util uint64) Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record(util)
}

func (m *Monitor) record(util uint64) Mode {
	if util > Scale {
		util = Scale
	}
	m.instant.Store(util)
	e := util
	if m.samples.Add(1) > 1 {
		e = ema(m.ema.Load(), util)
	}
	m.ema.Store(e)

	th := m.th.Load()
	cur := Mode(m.mode.Load())
	next := cur
	switch {
	case cur == Local && e > th.High:
		next = Global
	case cur == Global && e < th.Low:
		next = Local
	}
	if next != cur {
		m.mode.Store(uint32(next))
		m.switches.Add(1)
		m.log.WithFields(logrus.Fields{
			"from":     cur,
			"to":       next,
			"util_pct": e * 100 / Scale,
		}).Info("queueing mode switched")
	}
	return next
}

func (m *Monitor) Mode() Mode { return Mode(m.mode.Load()) }

// Utilisation returns the smoothed system utilisation in Scale units.
func (m *Monitor) Utilisation() uint64 { return m.ema.Load() }

// Instant returns the last unsmoothed system sample.
func (m *Monitor) Instant() uint64 { return m.instant.Load() }

// CPU returns instantaneous and smoothed utilisation for one CPU.
func (m *Monitor) CPU(cpu int) (instant, smoothed uint64) {
	if cpu < 0 || cpu >= len(m.cpus) {
		return 0, 0
	}
	return m.cpus[cpu].instant.Load(), m.cpus[cpu].ema.Load()
}

func (m *Monitor) Switches() uint64 { return m.switches.Load() }

func (m *Monitor) Samples() uint64 { return m.samples.Load() }

// Reset returns to Local mode with empty history.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.cpus {
		c := &m.cpus[i]
		c.prev, c.seeded = Sample{}, false
		c.instant.Store(0)
		c.ema.Store(0)
	}
	m.instant.Store(0)
	m.ema.Store(0)
	m.samples.Store(0)
	m.mode.Store(uint32(Local))
}
