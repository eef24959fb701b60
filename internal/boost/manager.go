// Package boost tracks time-boxed priority windows opened by external
// activity: user input, frame presentation and network interrupts.
//
// Every window is a single "active until" timestamp. Triggers only ever push
// a timestamp forward, so concurrent writers and readers need nothing beyond
// atomic loads and compare-and-swap.
package boost

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var ErrInvalidParams = errors.New("invalid boost parameters")

// Category selects which window a trigger extends.
type Category uint8

const (
	Input Category = iota
	Frame
	Network
	numCategories
)

func (c Category) String() string {
	switch c {
	case Input:
		return "input"
	case Frame:
		return "frame"
	case Network:
		return "network"
	default:
		return "unknown"
	}
}

// Lane identifies an input device class. Lanes have independent durations
// because their natural event cadence differs widely.
type Lane uint8

const (
	Keyboard Lane = iota
	Mouse
	Controller
	Other
	NumLanes

	// LaneAny is used by tasks that follow the global input window rather
	// than one lane.
	LaneAny Lane = 0xff
)

func (l Lane) String() string {
	switch l {
	case Keyboard:
		return "keyboard"
	case Mouse:
		return "mouse"
	case Controller:
		return "controller"
	case Other:
		return "other"
	case LaneAny:
		return "any"
	default:
		return "unknown"
	}
}

// ParseLane is the inverse of Lane.String.
func ParseLane(s string) (Lane, error) {
	for l := Keyboard; l < NumLanes; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	if s == "any" || s == "" {
		return LaneAny, nil
	}
	return LaneAny, fmt.Errorf("unknown input lane %q", s)
}

// Params are the tunables of the manager. Durations are nanoseconds,
// rates are events per second.
type Params struct {
	InputWindow   uint64
	FrameWindow   uint64
	NetworkWindow uint64
	LaneWindow    [NumLanes]uint64

	ContinuousEnterHz uint64
	ContinuousExitHz  uint64
}

func DefaultParams() Params {
	const ms = 1_000_000
	return Params{
		InputWindow:   5 * ms,
		FrameWindow:   4 * ms,
		NetworkWindow: 5 * ms,
		LaneWindow: [NumLanes]uint64{
			Keyboard:   1000 * ms,
			Mouse:      8 * ms,
			Controller: 500 * ms,
			Other:      0,
		},
		ContinuousEnterHz: 150,
		ContinuousExitHz:  75,
	}
}

func (p Params) Validate() error {
	if p.ContinuousEnterHz == 0 {
		return fmt.Errorf("%w: continuous enter rate must be positive", ErrInvalidParams)
	}
	if p.ContinuousExitHz == 0 || p.ContinuousExitHz >= p.ContinuousEnterHz {
		return fmt.Errorf("%w: continuous exit rate %d must be in (0, %d)",
			ErrInvalidParams, p.ContinuousExitHz, p.ContinuousEnterHz)
	}
	return nil
}

// Trigger is one external activity event.
type Trigger struct {
	Category Category
	Lane     Lane // only meaningful for Input
	At       uint64
}

// rateCeiling caps a single rate sample when two events share a timestamp.
const rateCeiling = 100_000

type laneState struct {
	until      atomic.Uint64
	continuous atomic.Bool
	rate       atomic.Uint64 // last EMA, readable without the lock

	mu   sync.Mutex
	last uint64
	ema  uint64
}

// Manager owns every boost window. The zero value is not usable; use New.
type Manager struct {
	log    logrus.FieldLogger
	params atomic.Pointer[Params]

	until [numCategories]atomic.Uint64
	lanes [NumLanes]laneState

	foreground atomic.Uint32
	override   atomic.Uint32

	queue    chan Trigger
	triggers [numCategories]atomic.Uint64
	laneHits [NumLanes]atomic.Uint64
	dropped  atomic.Uint64
	drained  atomic.Uint64
}

// New builds a manager whose asynchronous trigger queue holds queueLen events.
func New(p Params, queueLen int, log logrus.FieldLogger) (*Manager, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if queueLen <= 0 {
		return nil, fmt.Errorf("%w: trigger queue length %d", ErrInvalidParams, queueLen)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &Manager{
		log:   log.WithField("component", "boost"),
		queue: make(chan Trigger, queueLen),
	}
	m.params.Store(&p)
	return m, nil
}

// SetParams swaps the tunables. Open windows keep their current deadline.
func (m *Manager) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.params.Store(&p)
	return nil
}

func (m *Manager) Params() Params { return *m.params.Load() }

// extend raises *ts to v unless it is already later and returns the value
// left in place.
func extend(ts *atomic.Uint64, v uint64) uint64 {
	for {
		cur := ts.Load()
		if cur >= v {
			return cur
		}
		if ts.CompareAndSwap(cur, v) {
			return v
		}
	}
}

// Apply handles a trigger synchronously.
func (m *Manager) Apply(t Trigger) {
	p := m.params.Load()
	switch t.Category {
	case Input:
		m.triggers[Input].Add(1)
		if t.Lane >= NumLanes {
			extend(&m.until[Input], t.At+p.InputWindow)
			return
		}
		m.laneHits[t.Lane].Add(1)
		m.observeRate(t.Lane, t.At, p)
		d := p.LaneWindow[t.Lane]
		if d == 0 {
			return
		}
		extend(&m.lanes[t.Lane].until, t.At+d)
		extend(&m.until[Input], t.At+p.InputWindow)
	case Frame:
		m.triggers[Frame].Add(1)
		extend(&m.until[Frame], t.At+p.FrameWindow)
	case Network:
		m.triggers[Network].Add(1)
		extend(&m.until[Network], t.At+p.NetworkWindow)
	}
}

// Post queues a trigger for the next Drain. It never blocks; a full queue
// drops the event and counts it.
func (m *Manager) Post(t Trigger) bool {
	select {
	case m.queue <- t:
		return true
	default:
		m.dropped.Add(1)
		return false
	}
}

// Drain applies up to limit queued triggers (all of them when limit <= 0)
// and returns how many were applied.
func (m *Manager) Drain(limit int) int {
	n := 0
	for limit <= 0 || n < limit {
		select {
		case t := <-m.queue:
			m.Apply(t)
			n++
		default:
			m.drained.Add(uint64(n))
			return n
		}
	}
	m.drained.Add(uint64(n))
	return n
}

func (m *Manager) observeRate(l Lane, now uint64, p *Params) {
	ls := &m.lanes[l]
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.last != 0 && now >= ls.last {
		sample := uint64(rateCeiling)
		if gap := now - ls.last; gap > 0 && 1_000_000_000/gap < rateCeiling {
			sample = 1_000_000_000 / gap
		}
		ls.ema = (ls.ema*7 + sample) >> 3
	}
	if now > ls.last {
		ls.last = now
	}
	ls.rate.Store(ls.ema)
	m.updateContinuous(l, ls, p)
}

// updateContinuous applies the enter/exit hysteresis. Caller holds ls.mu.
func (m *Manager) updateContinuous(l Lane, ls *laneState, p *Params) {
	cont := ls.continuous.Load()
	switch {
	case !cont && ls.ema >= p.ContinuousEnterHz:
		ls.continuous.Store(true)
		m.log.WithFields(logrus.Fields{"lane": l, "rate_hz": ls.ema}).Debug("lane entered continuous mode")
	case cont && ls.ema < p.ContinuousExitHz:
		ls.continuous.Store(false)
		m.log.WithFields(logrus.Fields{"lane": l, "rate_hz": ls.ema}).Debug("lane left continuous mode")
	}
}

// Decay folds silence into the lane rates: a lane whose last event is older
// than its current rate implies drops its estimate to the implied rate.
func (m *Manager) Decay(now uint64) {
	p := m.params.Load()
	for l := Keyboard; l < NumLanes; l++ {
		ls := &m.lanes[l]
		ls.mu.Lock()
		if ls.last != 0 && now > ls.last && ls.ema > 0 {
			implied := 1_000_000_000 / (now - ls.last)
			if implied < ls.ema {
				ls.ema = implied
				ls.rate.Store(implied)
				m.updateContinuous(l, ls, p)
			}
		}
		ls.mu.Unlock()
	}
}

// Active reports whether the category window is open at now.
func (m *Manager) Active(c Category, now uint64) bool {
	if c >= numCategories {
		return false
	}
	return now < m.until[c].Load()
}

// LaneActive reports whether the lane window is open at now. LaneAny asks
// for the global input window.
func (m *Manager) LaneActive(l Lane, now uint64) bool {
	if l >= NumLanes {
		return m.Active(Input, now)
	}
	return now < m.lanes[l].until.Load()
}

func (m *Manager) Until(c Category) uint64 {
	if c >= numCategories {
		return 0
	}
	return m.until[c].Load()
}

func (m *Manager) LaneUntil(l Lane) uint64 {
	if l >= NumLanes {
		return m.Until(Input)
	}
	return m.lanes[l].until.Load()
}

// Continuous reports whether the lane currently sees sustained high-rate
// activity. LaneAny is continuous when any lane is.
func (m *Manager) Continuous(l Lane) bool {
	if l < NumLanes {
		return m.lanes[l].continuous.Load()
	}
	for i := Keyboard; i < NumLanes; i++ {
		if m.lanes[i].continuous.Load() {
			return true
		}
	}
	return false
}

// SetForeground records the detected foreground task group. Zero clears it.
func (m *Manager) SetForeground(tgid uint32) { m.foreground.Store(tgid) }

// SetOverride pins the foreground task group regardless of detection. Zero
// removes the override.
func (m *Manager) SetOverride(tgid uint32) { m.override.Store(tgid) }

// Foreground returns the effective foreground task group, 0 when unset.
func (m *Manager) Foreground() uint32 {
	if fg := m.override.Load(); fg != 0 {
		return fg
	}
	return m.foreground.Load()
}

// IsForeground reports whether a task with the given ancestry belongs to the
// foreground application. With no foreground known every task qualifies.
func (m *Manager) IsForeground(tgid, parent, grandparent uint32) bool {
	fg := m.Foreground()
	if fg == 0 {
		return true
	}
	return tgid == fg || (parent != 0 && parent == fg) || (grandparent != 0 && grandparent == fg)
}

type LaneStatus struct {
	Lane       Lane
	Triggers   uint64
	RateHz     uint64
	Continuous bool
	Until      uint64
}

type Stats struct {
	InputTriggers   uint64
	FrameTriggers   uint64
	NetworkTriggers uint64
	Dropped         uint64
	Drained         uint64
	InputUntil      uint64
	FrameUntil      uint64
	NetworkUntil    uint64
	Lanes           [NumLanes]LaneStatus
}

func (m *Manager) Stats() Stats {
	s := Stats{
		InputTriggers:   m.triggers[Input].Load(),
		FrameTriggers:   m.triggers[Frame].Load(),
		NetworkTriggers: m.triggers[Network].Load(),
		Dropped:         m.dropped.Load(),
		Drained:         m.drained.Load(),
		InputUntil:      m.until[Input].Load(),
		FrameUntil:      m.until[Frame].Load(),
		NetworkUntil:    m.until[Network].Load(),
	}
	for l := Keyboard; l < NumLanes; l++ {
		s.Lanes[l] = LaneStatus{
			Lane:       l,
			Triggers:   m.laneHits[l].Load(),
			RateHz:     m.lanes[l].rate.Load(),
			Continuous: m.lanes[l].continuous.Load(),
			Until:      m.lanes[l].until.Load(),
		}
	}
	return s
}

// Reset clears every window and lane rate, keeping the counters.
func (m *Manager) Reset() {
	for i := range m.until {
		m.until[i].Store(0)
	}
	for l := Keyboard; l < NumLanes; l++ {
		ls := &m.lanes[l]
		ls.mu.Lock()
		ls.until.Store(0)
		ls.last, ls.ema = 0, 0
		ls.rate.Store(0)
		ls.continuous.Store(false)
		ls.mu.Unlock()
	}
	m.Drain(0)
}
