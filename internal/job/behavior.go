// Package job describes synthetic workloads: tasks that alternate CPU
// bursts with sleeps, woken by a timer or by an activity source.
package job

import (
	"errors"
	"fmt"
	"math/rand"
	"os"

	"github.com/goccy/go-yaml"

	"latsched/internal/boost"
	"latsched/internal/sched"
)

var ErrInvalidWorkload = errors.New("invalid workload")

// Wake says what ends a task's sleep.
type Wake uint8

const (
	WakeTimer Wake = iota
	WakeInput
	WakeFrame
	WakeNetwork
)

func (w Wake) String() string {
	switch w {
	case WakeTimer:
		return "timer"
	case WakeInput:
		return "input"
	case WakeFrame:
		return "frame"
	case WakeNetwork:
		return "network"
	default:
		return "unknown"
	}
}

func ParseWake(s string) (Wake, error) {
	for w := WakeTimer; w <= WakeNetwork; w++ {
		if w.String() == s {
			return w, nil
		}
	}
	if s == "" {
		return WakeTimer, nil
	}
	return WakeTimer, fmt.Errorf("unknown wake source %q", s)
}

// Behavior is one kind of task in a workload.
type Behavior struct {
	Name  string `yaml:"name"`
	Comm  string `yaml:"comm"`  // thread name seen by the classifier
	Role  string `yaml:"role"`  // explicit tag, empty leaves it to the classifier
	Lane  string `yaml:"lane"`  // input lane for explicit input tags
	Count int    `yaml:"count"` // number of tasks, 0 means 1

	RunUS         uint64 `yaml:"run_us"`
	RunJitterUS   uint64 `yaml:"run_jitter_us"`
	SleepUS       uint64 `yaml:"sleep_us"`
	SleepJitterUS uint64 `yaml:"sleep_jitter_us"`
	Wake          string `yaml:"wake"`

	Weight     uint32 `yaml:"weight"`
	Pinned     bool   `yaml:"pinned"`
	Foreground bool   `yaml:"foreground"`
	MM         uint64 `yaml:"mm"` // shared address-space group, 0 for none
}

// Validate checks the behavior and returns the parsed wake source.
func (b *Behavior) Validate() (Wake, error) {
	if b.RunUS == 0 {
		return 0, fmt.Errorf("%s: run_us must be positive: %w", b.Name, ErrInvalidWorkload)
	}
	if b.Count < 0 {
		return 0, fmt.Errorf("%s: negative count: %w", b.Name, ErrInvalidWorkload)
	}
	w, err := ParseWake(b.Wake)
	if err != nil {
		return 0, fmt.Errorf("%s: %v: %w", b.Name, err, ErrInvalidWorkload)
	}
	if w == WakeTimer && b.SleepUS == 0 && b.SleepJitterUS == 0 {
		return 0, fmt.Errorf("%s: timer wake needs sleep_us: %w", b.Name, ErrInvalidWorkload)
	}
	if _, _, err := b.Tag(); err != nil {
		return 0, fmt.Errorf("%s: %v: %w", b.Name, err, ErrInvalidWorkload)
	}
	return w, nil
}

// Tag returns the explicit role, or RoleUnknown when the classifier decides.
func (b *Behavior) Tag() (sched.Role, boost.Lane, error) {
	if b.Role == "" {
		return sched.RoleUnknown, boost.LaneAny, nil
	}
	role, err := sched.ParseRole(b.Role)
	if err != nil {
		return sched.RoleUnknown, boost.LaneAny, err
	}
	lane, err := boost.ParseLane(b.Lane)
	return role, lane, err
}

func (b *Behavior) Tasks() int {
	if b.Count <= 0 {
		return 1
	}
	return b.Count
}

// NextBurst draws the length of the next run phase in ns.
func (b *Behavior) NextBurst(rng *rand.Rand) uint64 {
	return jitter(rng, b.RunUS, b.RunJitterUS) * 1000
}

// NextSleep draws the length of the next timer sleep in ns.
func (b *Behavior) NextSleep(rng *rand.Rand) uint64 {
	return jitter(rng, b.SleepUS, b.SleepJitterUS) * 1000
}

func jitter(rng *rand.Rand, base, spread uint64) uint64 {
	v := base
	if spread > 0 {
		v += uint64(rng.Int63n(int64(spread) + 1))
	}
	if v == 0 {
		v = 1
	}
	return v
}

// Burst is the run phase in progress. A preempted burst keeps what is left
// for the next time the task runs.
type Burst struct {
	Remaining uint64
}

// Consume subtracts ran and reports whether the burst is over.
func (b *Burst) Consume(ran uint64) bool {
	if ran >= b.Remaining {
		b.Remaining = 0
		return true
	}
	b.Remaining -= ran
	return false
}

// Workload is a full simulation input: activity sources plus tasks.
type Workload struct {
	DurationMS uint64     `yaml:"duration_ms"`
	InputHz    uint64     `yaml:"input_hz"`
	InputLane  string     `yaml:"input_lane"`
	FrameHz    uint64     `yaml:"frame_hz"`
	NetworkHz  uint64     `yaml:"network_hz"`
	Tasks      []Behavior `yaml:"tasks"`
}

// Validate checks every behavior and the activity sources.
func (w *Workload) Validate() error {
	if w.DurationMS == 0 {
		return fmt.Errorf("duration_ms must be positive: %w", ErrInvalidWorkload)
	}
	if len(w.Tasks) == 0 {
		return fmt.Errorf("no tasks: %w", ErrInvalidWorkload)
	}
	if _, err := boost.ParseLane(w.InputLane); err != nil {
		return fmt.Errorf("input_lane: %v: %w", err, ErrInvalidWorkload)
	}
	for i := range w.Tasks {
		b := &w.Tasks[i]
		wake, err := b.Validate()
		if err != nil {
			return err
		}
		if (wake == WakeInput && w.InputHz == 0) ||
			(wake == WakeFrame && w.FrameHz == 0) ||
			(wake == WakeNetwork && w.NetworkHz == 0) {
			return fmt.Errorf("%s: woken by %s but that source is off: %w", b.Name, wake, ErrInvalidWorkload)
		}
	}
	return nil
}

// DefaultWorkload is a game-like mix: a mouse-driven input handler, a
// render thread paced by frames, audio, netcode, shader compilers and a
// few generic workers.
func DefaultWorkload() Workload {
	return Workload{
		DurationMS: 2000,
		InputHz:    1000,
		InputLane:  "mouse",
		FrameHz:    144,
		NetworkHz:  64,
		Tasks: []Behavior{
			{Name: "input", Comm: "InputThread", RunUS: 30, RunJitterUS: 20, Wake: "input", Foreground: true, MM: 1},
			{Name: "render", Comm: "RenderThread 0", RunUS: 2500, RunJitterUS: 1500, Wake: "frame", Foreground: true, MM: 1},
			{Name: "game-main", Comm: "GameThread", RunUS: 1500, RunJitterUS: 1000, SleepUS: 3000, SleepJitterUS: 2000, Foreground: true, MM: 1},
			{Name: "audio", Comm: "pipewire", RunUS: 400, RunJitterUS: 100, SleepUS: 5000, SleepJitterUS: 300},
			{Name: "netcode", Comm: "UdpSocket", RunUS: 80, RunJitterUS: 40, Wake: "network", Foreground: true, MM: 1},
			{Name: "shader-compile", Comm: "compiler", Count: 4, RunUS: 20000, RunJitterUS: 10000, SleepUS: 20000, SleepJitterUS: 5000, Foreground: true, MM: 1},
			{Name: "worker", Comm: "kworker", Count: 4, RunUS: 2000, RunJitterUS: 2000, SleepUS: 10000, SleepJitterUS: 10000},
		},
	}
}

// LoadWorkload reads a workload file; an empty path yields DefaultWorkload.
func LoadWorkload(path string) (Workload, error) {
	if path == "" {
		return DefaultWorkload(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Workload{}, fmt.Errorf("read workload: %w", err)
	}
	var w Workload
	if err := yaml.UnmarshalWithOptions(data, &w, yaml.Strict()); err != nil {
		return Workload{}, fmt.Errorf("parse workload %s: %w", path, err)
	}
	if err := w.Validate(); err != nil {
		return Workload{}, err
	}
	return w, nil
}
