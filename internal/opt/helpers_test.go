package opt

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"catenary/internal/network"
)

func mustNetwork(t *testing.T, lengths []float64, routes ...[]int) *network.Network {
	t.Helper()
	segs := make([]network.Segment, len(lengths))
	for i, l := range lengths {
		segs[i] = network.Segment{ID: i + 1, Length: l, Node1: i, Node2: i + 1}
	}
	rs := make([]network.Route, len(routes))
	for i, r := range routes {
		rs[i] = network.Route{ID: i + 1, Segments: r}
	}
	n, err := network.New(segs, rs)
	require.NoError(t, err)
	return n
}

// randomNetwork builds nSeg segments of 50..3050 m and nRoutes routes of
// routeLen random segment visits.
func randomNetwork(t *testing.T, rng *rand.Rand, nSeg, nRoutes, routeLen int) *network.Network {
	t.Helper()
	lengths := make([]float64, nSeg)
	for i := range lengths {
		lengths[i] = 50 + rng.Float64()*3000
	}
	routes := make([][]int, nRoutes)
	for r := range routes {
		routes[r] = make([]int, routeLen)
		for k := range routes[r] {
			routes[r][k] = rng.Intn(nSeg)
		}
	}
	return mustNetwork(t, lengths, routes...)
}

func randomSolution(rng *rand.Rand, n int, p float64) Solution {
	s := make(Solution, n)
	for i := range s {
		s[i] = rng.Float64() < p
	}
	return s
}

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.Ants = 8
	cfg.Iterations = 30
	cfg.StagnationLimit = 10
	cfg.SnapshotEvery = 10
	return cfg
}
