package classify

import (
	"testing"

	"github.com/stretchr/testify/require"

	"latsched/internal/sched"
	"latsched/internal/topology"
)

func syntheticTopo(t *testing.T) *topology.Topology {
	t.Helper()
	topo, err := topology.Synthetic(2, 1, 1)
	require.NoError(t, err)
	return topo
}

func testEngineConfig() sched.Config {
	cfg := sched.DefaultConfig()
	cfg.WatchdogMS = 0
	return cfg
}
