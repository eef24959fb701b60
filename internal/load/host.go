package load

import (
	"fmt"
	"strconv"
	"strings"

	linuxproc "github.com/c9s/goprocinfo/linux"
)

// HostSampler reads per-CPU jiffies from a procfs stat file.
type HostSampler struct {
	Path string
}

func NewHostSampler() *HostSampler {
	return &HostSampler{Path: "/proc/stat"}
}

// Sample returns cumulative busy/total jiffies indexed by CPU id.
func (h *HostSampler) Sample() ([]Sample, error) {
	stat, err := linuxproc.ReadStat(h.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", h.Path, err)
	}

	out := make([]Sample, 0, len(stat.CPUStats))
	for _, c := range stat.CPUStats {
		id, err := strconv.Atoi(strings.TrimPrefix(c.Id, "cpu"))
		if err != nil || id < 0 {
			continue
		}
		for len(out) <= id {
			out = append(out, Sample{})
		}
		idle := c.Idle + c.IOWait
		busy := c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
		out[id] = Sample{Busy: busy, Total: busy + idle}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: no per-CPU lines", h.Path)
	}
	return out, nil
}
