package opt

import "math"

// Pheromone keeps two weights per segment: index 0 for leaving it unwired,
// index 1 for wiring it. Weights stay within [min, max].
type Pheromone struct {
	tau      [][2]float64
	min, max float64
}

func NewPheromone(n int, min, max float64) *Pheromone {
	return &Pheromone{tau: make([][2]float64, n), min: min, max: max}
}

func (p *Pheromone) clamp(w float64) float64 {
	return math.Min(p.max, math.Max(p.min, w))
}

// Initialize sets every weight to tau0.
func (p *Pheromone) Initialize(tau0 float64) {
	w := p.clamp(tau0)
	for i := range p.tau {
		p.tau[i] = [2]float64{w, w}
	}
}

// Evaporate scales every weight by (1-rho), floored at the minimum.
func (p *Pheromone) Evaporate(rho float64) {
	for i := range p.tau {
		p.tau[i][0] = math.Max(p.tau[i][0]*(1-rho), p.min)
		p.tau[i][1] = math.Max(p.tau[i][1]*(1-rho), p.min)
	}
}

// Deposit reinforces each segment's chosen decision by q/cost. Costs below one
// metre are treated as one metre.
func (p *Pheromone) Deposit(s Solution, cost, q float64) {
	amount := q / math.Max(cost, 1)
	for i, w := range s {
		d := 0
		if w {
			d = 1
		}
		p.tau[i][d] = p.clamp(p.tau[i][d] + amount)
	}
}

// Weight returns the weight of the given decision for segment i.
func (p *Pheromone) Weight(i int, wired bool) float64 {
	if wired {
		return p.tau[i][1]
	}
	return p.tau[i][0]
}

// PheromoneStats summarizes the wired-decision weights.
type PheromoneStats struct {
	Min  float64 `json:"min"`
	Mean float64 `json:"mean"`
	Max  float64 `json:"max"`
}

func (p *Pheromone) Stats() PheromoneStats {
	if len(p.tau) == 0 {
		return PheromoneStats{}
	}
	st := PheromoneStats{Min: math.Inf(1), Max: math.Inf(-1)}
	sum := 0.0
	for _, t := range p.tau {
		w := t[1]
		sum += w
		st.Min = math.Min(st.Min, w)
		st.Max = math.Max(st.Max, w)
	}
	st.Mean = sum / float64(len(p.tau))
	return st
}
