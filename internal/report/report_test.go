package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catenary/internal/network"
	"catenary/internal/opt"
)

func lineNetwork(t *testing.T) *network.Network {
	t.Helper()
	// 1-2-3-4 line plus a spur 3-5.
	segs := []network.Segment{
		{ID: 10, Length: 100, Node1: 1, Node2: 2},
		{ID: 11, Length: 200, Node1: 2, Node2: 3},
		{ID: 12, Length: 300, Node1: 3, Node2: 4},
		{ID: 13, Length: 50, Node1: 3, Node2: 5},
	}
	n, err := network.New(segs, []network.Route{
		{ID: 1, Name: "main", Segments: []int{0, 1, 2}},
		{ID: 2, Name: "spur", Segments: []int{0, 1, 3}},
	})
	require.NoError(t, err)
	return n
}

func TestChains_PathAndBranch(t *testing.T) {
	net := lineNetwork(t)
	chains := Chains(net, opt.AllWired(4))
	require.Len(t, chains, 2)

	total := 0.0
	seen := map[int]bool{}
	for _, c := range chains {
		assert.Len(t, c.Nodes, len(c.Segments)+1)
		total += c.Length
		for _, id := range c.Segments {
			assert.False(t, seen[id], "segment %d in two chains", id)
			seen[id] = true
		}
	}
	assert.InDelta(t, 650, total, 1e-9)
	assert.Equal(t, []int{10, 11, 12}, chains[0].Segments)
	assert.Equal(t, []int{1, 2, 3, 4}, chains[0].Nodes)
}

func TestChains_Disconnected(t *testing.T) {
	net := lineNetwork(t)
	chains := Chains(net, opt.Solution{true, false, true, false})
	require.Len(t, chains, 2)
	assert.Equal(t, []int{10}, chains[0].Segments)
	assert.Equal(t, []int{12}, chains[1].Segments)

	assert.Empty(t, Chains(net, opt.Solution{false, false, false, false}))
}

func TestBuild_Summary(t *testing.T) {
	net := lineNetwork(t)
	v := opt.NewValidator(net, opt.DefaultConfig())
	sum := Build(net, v, opt.Solution{false, true, false, false})

	assert.True(t, sum.Feasible)
	assert.Equal(t, 1, sum.WiredCount)
	assert.InDelta(t, 200, sum.WiredLength, 1e-9)
	assert.InDelta(t, 200.0/650, sum.WiredShare, 1e-9)
	require.Len(t, sum.Routes, 2)
	assert.Equal(t, "main", sum.Routes[0].Name)
	assert.Equal(t, -1, sum.Routes[0].FirstViolation)
	assert.InDelta(t, 600, sum.Routes[0].TotalLength, 1e-9)
	assert.InDelta(t, 300, sum.Routes[0].MaxUnpowered, 1e-9)
	assert.Equal(t, []WiredSegment{{ID: 11, Node1: 2, Node2: 3, Length: 200}}, sum.WiredSegments)
}
