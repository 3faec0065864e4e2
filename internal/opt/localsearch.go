package opt

import (
	"math/rand"
	"sort"

	"catenary/internal/network"
)

const (
	costEpsilon     = 1e-9
	windowClearProb = 0.5
	maxMarginProbes = 32
)

// LocalSearch trims wiring from feasible solutions.
type LocalSearch struct {
	net       *network.Network
	cfg       Config
	validator *Validator
	estimator *Estimator
	rng       *rand.Rand
	order     []int // non-mandatory segments, longest first
	minLevel  float64
	maxRange  float64
}

func NewLocalSearch(net *network.Network, cfg Config, v *Validator, e *Estimator, rng *rand.Rand) *LocalSearch {
	ls := &LocalSearch{
		net: net, cfg: cfg, validator: v, estimator: e, rng: rng,
		minLevel: cfg.MinBatteryLevel(),
		maxRange: cfg.MaxUnpoweredDistance(),
	}
	for i := 0; i < net.NumSegments(); i++ {
		if !e.Mandatory(i) {
			ls.order = append(ls.order, i)
		}
	}
	sort.SliceStable(ls.order, func(a, b int) bool {
		return net.Segment(ls.order[a]).Length > net.Segment(ls.order[b]).Length
	})
	return ls
}

// Improve returns a solution no more expensive than s. Infeasible input is
// returned unchanged.
func (ls *LocalSearch) Improve(s Solution) Solution {
	if !ls.validator.Feasible(s) {
		return s
	}
	cur := s.Clone()
	ls.descend(cur)
	if !ls.cfg.WindowPass {
		return cur
	}
	cost := ls.validator.Cost(cur)
	for idle := 0; idle < ls.cfg.MaxIdleSweeps; {
		improved := false
		if next, c, ok := ls.windowSweep(cur, cost); ok {
			cur, cost, improved = next, c, true
		}
		if next, c, ok := ls.marginSweep(cur, cost); ok {
			cur, cost, improved = next, c, true
		}
		if improved {
			idle = 0
		} else {
			idle++
		}
	}
	return cur
}

// descend unwires segments longest first while every affected route stays
// feasible, repeating until a sweep changes nothing.
func (ls *LocalSearch) descend(s Solution) {
	for improved := true; improved; {
		improved = false
		for _, i := range ls.order {
			if !s[i] {
				continue
			}
			s[i] = false
			if ls.validator.RoutesFeasible(ls.net.RoutesUsing(i), s) {
				improved = true
			} else {
				s[i] = true
			}
		}
	}
}

// windowSweep clears random wired subsets of consecutive index windows.
func (ls *LocalSearch) windowSweep(s Solution, cost float64) (Solution, float64, bool) {
	improved := false
	for start := 0; start < len(s); start += ls.cfg.WindowSize {
		end := min(start+ls.cfg.WindowSize, len(s))
		trial := s.Clone()
		changed := false
		for i := start; i < end; i++ {
			if trial[i] && !ls.estimator.Mandatory(i) && ls.rng.Float64() < windowClearProb {
				trial[i] = false
				changed = true
			}
		}
		if !changed || !ls.validator.Feasible(trial) {
			continue
		}
		if c := ls.validator.Cost(trial); c < cost-costEpsilon {
			s, cost, improved = trial, c, true
		}
	}
	return s, cost, improved
}

// marginSweep wires single near-critical unwired points and re-descends,
// keeping the first cheaper result found.
func (ls *LocalSearch) marginSweep(s Solution, cost float64) (Solution, float64, bool) {
	tried := make(map[int]struct{})
	for r := 0; r < ls.net.NumRoutes() && len(tried) < maxMarginProbes; r++ {
		for _, st := range ls.validator.Trace(r, s) {
			if st.Wired || !ls.nearMargin(st) {
				continue
			}
			if _, done := tried[st.Segment]; done {
				continue
			}
			tried[st.Segment] = struct{}{}
			trial := s.Clone()
			trial[st.Segment] = true
			ls.descend(trial)
			if c := ls.validator.Cost(trial); c < cost-costEpsilon && ls.validator.Feasible(trial) {
				return trial, c, true
			}
			if len(tried) >= maxMarginProbes {
				break
			}
		}
	}
	return s, cost, false
}

func (ls *LocalSearch) nearMargin(st BatteryState) bool {
	return st.Battery < criticalBattery*ls.minLevel || st.Distance > criticalRange*ls.maxRange
}

// GreedySeed starts from all-wired and unwires non-mandatory segments longest
// first whenever the network stays feasible.
func (ls *LocalSearch) GreedySeed() Solution {
	s := AllWired(ls.net.NumSegments())
	ls.descend(s)
	return s
}
