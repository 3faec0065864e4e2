package opt

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catenary/internal/network"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time { return t0 }
}

func TestOptimizer_ScenarioA(t *testing.T) {
	net := mustNetwork(t, []float64{100, 50, 200}, []int{0, 1, 2})
	o, err := New(net, smallConfig())
	require.NoError(t, err)
	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Cost)
	assert.Equal(t, Solution{false, false, false}, res.Solution)
	assert.Equal(t, StatusOptimized, res.Status)
	assert.Equal(t, ReasonIterations, res.Reason)
	assert.Equal(t, 30, res.Iterations)
	assert.Len(t, res.Metrics.Snapshots, 3)
}

func TestOptimizer_ScenarioBMandatoryWired(t *testing.T) {
	net := mustNetwork(t, []float64{100, 20000, 200}, []int{0, 1, 2})
	for seed := int64(1); seed <= 5; seed++ {
		cfg := smallConfig()
		cfg.Seed = seed
		o, err := New(net, cfg)
		require.NoError(t, err)
		assert.Equal(t, []int{1}, o.Mandatory())
		res, err := o.Run(context.Background())
		require.NoError(t, err)
		assert.True(t, res.Solution[1])
		assert.InDelta(t, 20000, res.Cost, 1e-9)
	}
}

func TestOptimizer_AllMandatoryIsFallback(t *testing.T) {
	net := mustNetwork(t, []float64{20000, 30000}, []int{0, 1})
	cfg := smallConfig()
	o, err := New(net, cfg)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, o.Mandatory())
	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, AllWired(2), res.Solution)
	assert.InDelta(t, 50000, res.Cost, 1e-9)
	assert.Equal(t, StatusFallback, res.Status)
	assert.Equal(t, cfg.Ants*cfg.Iterations, res.Metrics.Fallbacks)
	assert.Zero(t, res.Metrics.Feasible)
}

func TestOptimizer_ResultFeasibleOnRandomNetworks(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	for trial := 0; trial < 10; trial++ {
		net := randomNetwork(t, rng, 25, 5, 40)
		cfg := smallConfig()
		cfg.Seed = int64(trial + 1)
		o, err := New(net, cfg)
		require.NoError(t, err)
		res, err := o.Run(context.Background())
		require.NoError(t, err)
		require.True(t, o.Validator().Feasible(res.Solution))
		assert.InDelta(t, o.Validator().Cost(res.Solution), res.Cost, 1e-9)
		assert.LessOrEqual(t, res.Cost, res.Metrics.InitialCost)
		for _, m := range o.Mandatory() {
			assert.True(t, res.Solution[m])
		}
	}
}

func TestOptimizer_DeterministicPerSeed(t *testing.T) {
	net := randomNetwork(t, rand.New(rand.NewSource(4)), 30, 6, 50)
	run := func(seed int64) Result {
		cfg := smallConfig()
		cfg.Seed = seed
		o, err := New(net, cfg, WithClock(fixedClock()))
		require.NoError(t, err)
		res, err := o.Run(context.Background())
		require.NoError(t, err)
		return res
	}
	a, b := run(17), run(17)
	assert.Equal(t, a, b)

	o, err := New(net, smallConfig(), WithRand(rand.New(rand.NewSource(17))), WithClock(fixedClock()))
	require.NoError(t, err)
	c, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a, c)
}

func TestOptimizer_CancelledBeforeStart(t *testing.T) {
	net := mustNetwork(t, []float64{100, 50, 200}, []int{0, 1, 2})
	o, err := New(net, smallConfig())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := o.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.Zero(t, res.Iterations)
	assert.True(t, o.Validator().Feasible(res.Solution))
}

func TestOptimizer_CancelBetweenIterations(t *testing.T) {
	net := randomNetwork(t, rand.New(rand.NewSource(8)), 15, 3, 30)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var seen []int
	o, err := New(net, smallConfig(), WithObserver(func(p Progress) {
		seen = append(seen, p.Iteration)
		if p.Iteration == 3 {
			cancel()
		}
	}))
	require.NoError(t, err)
	res, err := o.Run(ctx)
	require.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestOptimizer_TargetCost(t *testing.T) {
	net := mustNetwork(t, []float64{100, 20000, 200}, []int{0, 1, 2})
	cfg := smallConfig()
	cfg.TargetCost = 20000
	o, err := New(net, cfg)
	require.NoError(t, err)
	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonTarget, res.Reason)
	assert.Equal(t, 1, res.Iterations)
}

func TestOptimizer_TimeBudget(t *testing.T) {
	net := mustNetwork(t, []float64{100, 50, 200}, []int{0, 1, 2})
	cfg := smallConfig()
	cfg.TimeBudget = 5 * time.Second
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	o, err := New(net, cfg, WithClock(clock))
	require.NoError(t, err)
	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonTime, res.Reason)
	assert.Equal(t, 5, res.Iterations)
}

func TestOptimizer_StagnationDiversifies(t *testing.T) {
	net := mustNetwork(t, []float64{100, 50, 200}, []int{0, 1, 2})
	cfg := smallConfig()
	cfg.StagnationLimit = 5
	o, err := New(net, cfg)
	require.NoError(t, err)
	res, err := o.Run(context.Background())
	require.NoError(t, err)
	// The optimum is already found by the greedy seed, so nothing improves.
	assert.Equal(t, 6, res.Metrics.Diversifications)
	assert.Zero(t, res.Metrics.Improvements)
}

func TestNew_RejectsBadInput(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	require.ErrorIs(t, err, network.ErrEmptyNetwork)

	net := mustNetwork(t, []float64{100}, []int{0})
	cfg := DefaultConfig()
	cfg.BatteryCapacity = 0
	_, err = New(net, cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
