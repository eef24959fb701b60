// Package topology describes the logical CPUs the engine schedules on: SMT
// siblings, NUMA nodes, relative capacity and the preferred idle-scan order.
package topology

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrEmpty is returned when a topology would contain no usable CPU.
var ErrEmpty = errors.New("topology has no online cpu")

// CPU is one logical CPU. Index in Topology.CPUs equals ID.
type CPU struct {
	ID       int
	Core     int
	Node     int
	Capacity int   // relative capacity, higher is faster
	Siblings []int // other logical CPUs sharing the physical core
	Online   bool
}

// Topology describes the CPUs an engine schedules on. The engine works on its
// own Clone, so later changes by the caller do not reach it.
type Topology struct {
	CPUs      []CPU
	SMT       bool
	Nodes     int
	preferred []int
}

// Synthetic builds a regular topology of n logical CPUs. With threadsPerCore
// of 2 the first n/2 CPUs are the primary threads and CPU c shares its core
// with CPU c+n/2, the usual Linux enumeration.
func Synthetic(n, threadsPerCore, nodes int) (*Topology, error) {
	if n <= 0 {
		return nil, ErrEmpty
	}
	if threadsPerCore <= 0 || n%threadsPerCore != 0 {
		return nil, fmt.Errorf("topology: %d cpus cannot be split into %d threads per core", n, threadsPerCore)
	}
	if nodes <= 0 {
		nodes = 1
	}
	cores := n / threadsPerCore
	if nodes > cores {
		nodes = cores
	}

	t := &Topology{
		CPUs:  make([]CPU, n),
		SMT:   threadsPerCore > 1,
		Nodes: nodes,
	}
	for id := 0; id < n; id++ {
		core := id % cores
		var siblings []int
		for th := 0; th < threadsPerCore; th++ {
			sib := core + th*cores
			if sib != id {
				siblings = append(siblings, sib)
			}
		}
		t.CPUs[id] = CPU{
			ID:       id,
			Core:     core,
			Node:     core * nodes / cores,
			Capacity: 1024,
			Siblings: siblings,
			Online:   true,
		}
	}
	t.rebuildPreferred()
	return t, nil
}

// NumCPUs returns the number of CPU slots, including offline ones.
func (t *Topology) NumCPUs() int { return len(t.CPUs) }

// Valid reports whether cpu names an online CPU.
func (t *Topology) Valid(cpu int) bool {
	return cpu >= 0 && cpu < len(t.CPUs) && t.CPUs[cpu].Online
}

// Clone returns a deep copy.
func (t *Topology) Clone() *Topology {
	c := &Topology{
		CPUs:      make([]CPU, len(t.CPUs)),
		SMT:       t.SMT,
		Nodes:     t.Nodes,
		preferred: append([]int(nil), t.preferred...),
	}
	for i, cpu := range t.CPUs {
		cpu.Siblings = append([]int(nil), cpu.Siblings...)
		c.CPUs[i] = cpu
	}
	return c
}

// Node returns the NUMA node of cpu, or 0 for an unknown CPU.
func (t *Topology) Node(cpu int) int {
	if cpu < 0 || cpu >= len(t.CPUs) {
		return 0
	}
	return t.CPUs[cpu].Node
}

// Siblings returns the SMT siblings of cpu.
func (t *Topology) Siblings(cpu int) []int {
	if cpu < 0 || cpu >= len(t.CPUs) {
		return nil
	}
	return t.CPUs[cpu].Siblings
}

// SetCapacity overrides the capacity of cpu and recomputes the preferred
// order.
func (t *Topology) SetCapacity(cpu, capacity int) {
	if cpu < 0 || cpu >= len(t.CPUs) {
		return
	}
	t.CPUs[cpu].Capacity = capacity
	t.rebuildPreferred()
}

// Preferred returns the preferred idle-scan order: higher capacity first,
// CPU index order when capacities tie.
func (t *Topology) Preferred() []int { return t.preferred }

// SetPreferred replaces the scan order with an explicit list; online CPUs
// missing from the list are appended in capacity order.
func (t *Topology) SetPreferred(list []int) error {
	seen := make(map[int]bool, len(list))
	order := make([]int, 0, len(t.CPUs))
	for _, cpu := range list {
		if !t.Valid(cpu) {
			return fmt.Errorf("topology: preferred cpu %d is not online", cpu)
		}
		if seen[cpu] {
			continue
		}
		seen[cpu] = true
		order = append(order, cpu)
	}
	t.rebuildPreferred()
	for _, cpu := range t.preferred {
		if !seen[cpu] {
			order = append(order, cpu)
		}
	}
	t.preferred = order
	return nil
}

func (t *Topology) rebuildPreferred() {
	order := make([]int, 0, len(t.CPUs))
	for _, c := range t.CPUs {
		if c.Online {
			order = append(order, c.ID)
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := t.CPUs[order[i]], t.CPUs[order[j]]
		if a.Capacity != b.Capacity {
			return a.Capacity > b.Capacity
		}
		return a.ID < b.ID
	})
	t.preferred = order
}

// ParseCPUList parses the kernel cpulist format, e.g. "0-3,8,10-11".
func ParseCPUList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil || first < 0 {
			return nil, fmt.Errorf("topology: bad cpu %q in list %q", lo, s)
		}
		last := first
		if isRange {
			last, err = strconv.Atoi(hi)
			if err != nil || last < first {
				return nil, fmt.Errorf("topology: bad range %q in list %q", part, s)
			}
		}
		for cpu := first; cpu <= last; cpu++ {
			out = append(out, cpu)
		}
	}
	return out, nil
}

// FormatCPUList renders cpus in the compact kernel cpulist format.
func FormatCPUList(cpus []int) string {
	if len(cpus) == 0 {
		return ""
	}
	sorted := append([]int(nil), cpus...)
	sort.Ints(sorted)
	var b strings.Builder
	start, prev := sorted[0], sorted[0]
	flush := func() {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if start == prev {
			b.WriteString(strconv.Itoa(start))
		} else {
			fmt.Fprintf(&b, "%d-%d", start, prev)
		}
	}
	for _, cpu := range sorted[1:] {
		if cpu == prev {
			continue
		}
		if cpu == prev+1 {
			prev = cpu
			continue
		}
		flush()
		start, prev = cpu, cpu
	}
	flush()
	return b.String()
}
