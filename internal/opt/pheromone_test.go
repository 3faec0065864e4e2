package opt

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPheromone_EvaporationOnly(t *testing.T) {
	const tau0, rho, floor = 0.75, 0.1, 0.001
	p := NewPheromone(4, floor, 5)
	p.Initialize(tau0)
	for k := 1; k <= 80; k++ {
		p.Evaporate(rho)
		want := math.Max(tau0*math.Pow(1-rho, float64(k)), floor)
		for i := 0; i < 4; i++ {
			assert.InDelta(t, want, p.Weight(i, true), 1e-12, "k=%d", k)
			assert.InDelta(t, want, p.Weight(i, false), 1e-12, "k=%d", k)
		}
	}
	assert.Equal(t, floor, p.Weight(0, true))
}

func TestPheromone_DepositChosenDecision(t *testing.T) {
	p := NewPheromone(3, 0.001, 5)
	p.Initialize(0.5)
	p.Deposit(Solution{true, false, true}, 200, 100)

	assert.InDelta(t, 1.0, p.Weight(0, true), 1e-12)
	assert.InDelta(t, 0.5, p.Weight(0, false), 1e-12)
	assert.InDelta(t, 1.0, p.Weight(1, false), 1e-12)
	assert.InDelta(t, 0.5, p.Weight(1, true), 1e-12)
}

func TestPheromone_DepositClampsAndFloorsCost(t *testing.T) {
	p := NewPheromone(1, 0.001, 5)
	p.Initialize(1)
	p.Deposit(Solution{false}, 0, 100)
	assert.Equal(t, 5.0, p.Weight(0, false))

	st := p.Stats()
	assert.Equal(t, 1.0, st.Min)
	assert.Equal(t, 1.0, st.Max)
}
