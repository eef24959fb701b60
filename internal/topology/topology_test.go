package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticSMTLayout(t *testing.T) {
	topo, err := Synthetic(8, 2, 1)
	require.NoError(t, err)

	assert.True(t, topo.SMT)
	assert.Equal(t, []int{4}, topo.Siblings(0))
	assert.Equal(t, []int{0}, topo.Siblings(4))
	assert.Equal(t, topo.CPUs[1].Core, topo.CPUs[5].Core)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, topo.Preferred())
}

func TestSyntheticNodes(t *testing.T) {
	topo, err := Synthetic(8, 1, 2)
	require.NoError(t, err)

	assert.Equal(t, 0, topo.Node(0))
	assert.Equal(t, 0, topo.Node(3))
	assert.Equal(t, 1, topo.Node(4))
	assert.Equal(t, 1, topo.Node(7))
}

func TestSyntheticRejectsBadShape(t *testing.T) {
	_, err := Synthetic(0, 1, 1)
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Synthetic(6, 4, 1)
	assert.Error(t, err)
}

func TestPreferredOrderFavorsCapacity(t *testing.T) {
	topo, err := Synthetic(4, 1, 1)
	require.NoError(t, err)

	topo.SetCapacity(2, 2048)
	topo.SetCapacity(3, 2048)
	assert.Equal(t, []int{2, 3, 0, 1}, topo.Preferred())
}

func TestSetPreferred(t *testing.T) {
	topo, err := Synthetic(4, 1, 1)
	require.NoError(t, err)

	require.NoError(t, topo.SetPreferred([]int{3, 1, 3}))
	assert.Equal(t, []int{3, 1, 0, 2}, topo.Preferred())

	assert.Error(t, topo.SetPreferred([]int{9}))
}

func TestParseCPUList(t *testing.T) {
	tests := []struct {
		in   string
		want []int
		err  bool
	}{
		{in: "", want: nil},
		{in: "0", want: []int{0}},
		{in: "0-3,8", want: []int{0, 1, 2, 3, 8}},
		{in: " 2 , 4-5 ", want: []int{2, 4, 5}},
		{in: "3-1", err: true},
		{in: "a", err: true},
	}
	for _, tt := range tests {
		got, err := ParseCPUList(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestFormatCPUList(t *testing.T) {
	assert.Equal(t, "0-3,8,10-11", FormatCPUList([]int{11, 0, 1, 2, 3, 8, 10}))
	assert.Equal(t, "", FormatCPUList(nil))
	assert.Equal(t, "5", FormatCPUList([]int{5, 5}))
}

func TestCloneIsIndependent(t *testing.T) {
	topo, err := Synthetic(4, 2, 1)
	require.NoError(t, err)

	c := topo.Clone()
	require.NoError(t, c.SetPreferred([]int{3}))
	c.CPUs[0].Siblings[0] = 9

	assert.Equal(t, []int{0, 1, 2, 3}, topo.Preferred())
	assert.Equal(t, []int{2}, topo.Siblings(0))
	assert.Equal(t, []int{3, 0, 1, 2}, c.Preferred())
}
