package opt

import (
	"math"
	"math/rand"

	"catenary/internal/network"
)

// Constructor samples candidate solutions from pheromone and heuristic
// information and repairs them into feasibility.
type Constructor struct {
	net       *network.Network
	cfg       Config
	validator *Validator
	estimator *Estimator
	pher      *Pheromone
	rng       *rand.Rand
}

func NewConstructor(net *network.Network, cfg Config, v *Validator, e *Estimator, p *Pheromone, rng *rand.Rand) *Constructor {
	return &Constructor{net: net, cfg: cfg, validator: v, estimator: e, pher: p, rng: rng}
}

// WireProbability is the chance segment i is sampled wired outside exploration.
func (c *Constructor) WireProbability(i int) float64 {
	eta := c.estimator.Desirability(i)
	w := math.Pow(c.pher.Weight(i, true), c.cfg.Alpha) * math.Pow(eta, c.cfg.Beta)
	u := math.Pow(c.pher.Weight(i, false), c.cfg.Alpha) * math.Pow(1-eta, c.cfg.Beta)
	if w+u == 0 {
		return 0.5
	}
	return w / (w + u)
}

func (c *Constructor) sample() Solution {
	s := make(Solution, c.net.NumSegments())
	for i := range s {
		switch {
		case c.estimator.Mandatory(i):
			s[i] = true
		case c.rng.Float64() < c.cfg.P0:
			s[i] = c.rng.Intn(2) == 1
		default:
			s[i] = c.rng.Float64() < c.WireProbability(i)
		}
	}
	return s
}

// Construct returns a repaired candidate. Repair always ends feasible, so an
// attempt only fails when it comes out as the all-wired vector; after
// RepairAttempts such attempts the all-wired solution is returned with
// fallback set.
func (c *Constructor) Construct() (s Solution, fallback bool) {
	for attempt := 0; attempt < c.cfg.RepairAttempts; attempt++ {
		s = c.sample()
		if c.validator.Repair(s) && s.WiredCount() < len(s) {
			return s, false
		}
	}
	return AllWired(c.net.NumSegments()), true
}

// Perturb flips each non-mandatory decision of s with probability rate and
// repairs the result. The input is not modified.
func (c *Constructor) Perturb(s Solution, rate float64) (Solution, bool) {
	out := s.Clone()
	for i := range out {
		if c.estimator.Mandatory(i) {
			out[i] = true
			continue
		}
		if c.rng.Float64() < rate {
			out[i] = !out[i]
		}
	}
	return out, c.validator.Repair(out)
}
