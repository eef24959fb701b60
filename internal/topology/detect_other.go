//go:build !linux

package topology

import "runtime"

// Detect falls back to a flat topology sized by GOMAXPROCS off Linux.
func Detect() (*Topology, error) {
	return Synthetic(runtime.NumCPU(), 1, 1)
}
