//go:build linux

package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const sysCPUDir = "/sys/devices/system/cpu"

// Detect builds the topology of the running host from sysfs, restricted to
// the CPUs this process may run on.
func Detect() (*Topology, error) {
	return detectFrom(sysCPUDir)
}

func detectFrom(root string) (*Topology, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, fmt.Errorf("topology: sched_getaffinity: %w", err)
	}

	maxID := -1
	for id := 0; id < len(set)*64; id++ {
		if set.IsSet(id) {
			maxID = id
		}
	}
	if maxID < 0 {
		return nil, ErrEmpty
	}

	t := &Topology{CPUs: make([]CPU, maxID+1)}
	nodes := make(map[int]bool)
	for id := 0; id <= maxID; id++ {
		c := CPU{ID: id, Capacity: 1024, Online: set.IsSet(id)}
		dir := filepath.Join(root, "cpu"+strconv.Itoa(id))
		if v, err := readInt(filepath.Join(dir, "topology", "core_id")); err == nil {
			c.Core = v
		} else {
			c.Core = id
		}
		if v, err := readInt(filepath.Join(dir, "cpu_capacity")); err == nil && v > 0 {
			c.Capacity = v
		} else if v, err := readInt(filepath.Join(dir, "cpufreq", "cpuinfo_max_freq")); err == nil && v > 0 {
			// frequencies are in kHz; scale to keep capacities comparable
			c.Capacity = v / 1000
		}
		c.Node = nodeOf(dir)
		if raw, err := os.ReadFile(filepath.Join(dir, "topology", "thread_siblings_list")); err == nil {
			if sibs, err := ParseCPUList(string(raw)); err == nil {
				for _, s := range sibs {
					if s != id {
						c.Siblings = append(c.Siblings, s)
					}
				}
			}
		}
		if len(c.Siblings) > 0 {
			t.SMT = true
		}
		if c.Online {
			nodes[c.Node] = true
		}
		t.CPUs[id] = c
	}
	t.Nodes = len(nodes)
	t.rebuildPreferred()
	return t, nil
}

func nodeOf(cpuDir string) int {
	entries, err := os.ReadDir(cpuDir)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "node") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(name, "node")); err == nil {
			return n
		}
	}
	return 0
}

func readInt(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(raw)))
}
