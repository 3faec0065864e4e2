package opt

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catenary/internal/network"
)

func newTestConstructor(net *network.Network, cfg Config, seed int64) (*Constructor, *Pheromone) {
	p := NewPheromone(net.NumSegments(), cfg.TauMin, cfg.TauMax)
	p.Initialize(cfg.Tau0)
	c := NewConstructor(net, cfg, NewValidator(net, cfg), NewEstimator(net, cfg), p, rand.New(rand.NewSource(seed)))
	return c, p
}

func TestConstructor_WireProbability(t *testing.T) {
	net := mustNetwork(t, []float64{100, 50, 200}, []int{0, 1, 2})
	cases := []struct {
		name        string
		alpha, beta float64
		tau0        float64
		deposit     bool
		want        float64 // NaN: compare against the closed form
	}{
		{name: "equal weights no heuristic", alpha: 1, beta: 0, tau0: 1, want: 0.5},
		{name: "wired reinforced", alpha: 1, beta: 0, tau0: 1, deposit: true, want: 2.0 / 3},
		{name: "pheromone and heuristic", alpha: 1, beta: 2, tau0: 0.75, deposit: true, want: math.NaN()},
		{name: "heuristic only", alpha: 0, beta: 3, tau0: 0.75, want: math.NaN()},
		{name: "both terms underflow", alpha: 200, beta: 2, tau0: 0.001, want: 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Alpha, cfg.Beta, cfg.Tau0 = tc.alpha, tc.beta, tc.tau0
			c, p := newTestConstructor(net, cfg, 1)
			if tc.deposit {
				p.Deposit(AllWired(3), 100, 100)
			}
			for i := 0; i < net.NumSegments(); i++ {
				got := c.WireProbability(i)
				want := tc.want
				if math.IsNaN(want) {
					eta := c.estimator.Desirability(i)
					w := math.Pow(p.Weight(i, true), tc.alpha) * math.Pow(eta, tc.beta)
					u := math.Pow(p.Weight(i, false), tc.alpha) * math.Pow(1-eta, tc.beta)
					want = w / (w + u)
				}
				assert.InDelta(t, want, got, 1e-12, "segment %d", i)
				assert.GreaterOrEqual(t, got, 0.0)
				assert.LessOrEqual(t, got, 1.0)
			}
		})
	}
}

func TestConstructor_MandatoryAlwaysWired(t *testing.T) {
	net := mustNetwork(t, []float64{100, 20000, 200, 30000}, []int{0, 1, 2, 3})
	for _, p0 := range []float64{0, 0.5, 1} {
		cfg := DefaultConfig()
		cfg.P0 = p0
		c, _ := newTestConstructor(net, cfg, 3)
		require.Equal(t, []int{1, 3}, c.estimator.MandatorySet())
		for k := 0; k < 200; k++ {
			s := c.sample()
			assert.True(t, s[1], "p0=%v sample %d", p0, k)
			assert.True(t, s[3], "p0=%v sample %d", p0, k)
		}
	}
}

func TestConstructor_ExplorationIsUniform(t *testing.T) {
	net := mustNetwork(t, []float64{100, 50, 200}, []int{0, 1, 2})
	const draws = 4000
	wiredShare := func(cfg Config) []float64 {
		c, _ := newTestConstructor(net, cfg, 11)
		share := make([]float64, net.NumSegments())
		for k := 0; k < draws; k++ {
			for i, w := range c.sample() {
				if w {
					share[i]++
				}
			}
		}
		for i := range share {
			share[i] /= draws
		}
		return share
	}

	skewed := DefaultConfig()
	skewed.Alpha, skewed.Beta = 1, 6
	skewed.P0 = 0
	c, _ := newTestConstructor(net, skewed, 11)
	greedy := wiredShare(skewed)
	for i := range greedy {
		assert.InDelta(t, c.WireProbability(i), greedy[i], 0.03, "segment %d", i)
	}

	skewed.P0 = 1
	for i, share := range wiredShare(skewed) {
		assert.InDelta(t, 0.5, share, 0.03, "segment %d", i)
	}
}

func TestConstructor_ConstructFeasible(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	net := randomNetwork(t, rng, 20, 4, 30)
	cfg := DefaultConfig()
	c, _ := newTestConstructor(net, cfg, 5)
	v := NewValidator(net, cfg)
	for k := 0; k < 50; k++ {
		s, fallback := c.Construct()
		require.Len(t, s, net.NumSegments())
		require.True(t, v.Feasible(s))
		if !fallback {
			assert.Less(t, s.WiredCount(), len(s))
		}
	}
}

func TestConstructor_ConstructFallsBackWhenOnlyAllWiredFits(t *testing.T) {
	net := mustNetwork(t, []float64{20000, 30000}, []int{0, 1})
	c, _ := newTestConstructor(net, DefaultConfig(), 1)
	s, fallback := c.Construct()
	assert.True(t, fallback)
	assert.Equal(t, AllWired(2), s)
}

func TestConstructor_PerturbKeepsInput(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	net := randomNetwork(t, rng, 20, 4, 30)
	cfg := DefaultConfig()
	c, _ := newTestConstructor(net, cfg, 9)

	in := randomSolution(rng, net.NumSegments(), 0.5)
	before := in.Clone()
	out, ok := c.Perturb(in, 0.5)
	assert.Equal(t, before, in)
	assert.True(t, ok)
	assert.True(t, c.validator.Feasible(out))
	for _, m := range c.estimator.MandatorySet() {
		assert.True(t, out[m])
	}

	same, ok := c.Perturb(AllWired(net.NumSegments()), 0)
	assert.True(t, ok)
	assert.Equal(t, AllWired(net.NumSegments()), same)
}
