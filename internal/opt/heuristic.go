package opt

import (
	"math"

	"catenary/internal/network"
)

const (
	desirabilityEps   = 1e-3
	criticalBattery   = 1.5 // multiple of the minimum level
	criticalRange     = 0.6 // fraction of the unpowered range
	lengthPenaltyBase = 100.0
)

// Estimator holds the per-segment desirability scores and the mandatory set.
// Both are computed once from all-unwired route simulations.
type Estimator struct {
	score     []float64
	maxScore  float64
	mandatory []bool
}

type segmentStats struct {
	batterySum, distanceSum float64
	samples                 int

	crossings int // routes reaching this segment in a critical state
	deficit   float64
}

// NewEstimator scores every segment of net under cfg.
func NewEstimator(net *network.Network, cfg Config) *Estimator {
	capacity := cfg.BatteryCapacity
	minLevel := cfg.MinBatteryLevel()
	maxRange := cfg.MaxUnpoweredDistance()
	critical := func(battery, distance float64) bool {
		return battery < criticalBattery*minLevel || distance > criticalRange*maxRange
	}

	stats := make([]segmentStats, net.NumSegments())
	seen := make([]int, net.NumSegments())
	for i := range seen {
		seen[i] = -1
	}
	for r := 0; r < net.NumRoutes(); r++ {
		battery, distance := capacity, 0.0
		for _, seg := range net.Route(r).Segments {
			// statistics use the prefix state at the first occurrence on r
			if seen[seg] != r {
				seen[seg] = r
				st := &stats[seg]
				st.batterySum += battery
				st.distanceSum += distance
				st.samples++
				if critical(battery, distance) {
					st.crossings++
					st.deficit += capacity - battery
				}
			}
			l := net.Segment(seg).Length
			battery -= l * cfg.ConsumptionPerMeter
			distance += l
		}
	}

	e := &Estimator{
		score:     make([]float64, net.NumSegments()),
		mandatory: make([]bool, net.NumSegments()),
	}
	totalRoutes := float64(net.NumRoutes())
	for i := range stats {
		st := stats[i]
		seg := net.Segment(i)
		using := len(net.RoutesUsing(i))

		if st.samples > 0 {
			avgBattery := st.batterySum / float64(st.samples)
			avgDistance := st.distanceSum / float64(st.samples)
			batteryNeed := (capacity - avgBattery) / capacity
			distanceNeed := avgDistance / maxRange
			usage := float64(using) / totalRoutes
			penalty := 1 + math.Pow(seg.Length/lengthPenaltyBase, 6)
			e.score[i] = (3*batteryNeed + 2*distanceNeed + usage) / penalty
			if e.score[i] > e.maxScore {
				e.maxScore = e.score[i]
			}
		}

		drop := capacity - seg.Length*cfg.ConsumptionPerMeter
		intrinsic := drop <= 0 || drop < minLevel || seg.Length > maxRange
		e.mandatory[i] = using > 0 && (intrinsic ||
			(st.crossings >= 4 && seg.Length < 300) ||
			(seg.Length < 200 && float64(st.crossings) > 0.6*totalRoutes) ||
			(st.deficit > capacity*float64(using)*0.8))
	}
	return e
}

// Score is the raw desirability of wiring segment i.
func (e *Estimator) Score(i int) float64 { return e.score[i] }

// Desirability is Score normalized into [eps, 1-eps].
func (e *Estimator) Desirability(i int) float64 {
	if e.maxScore <= 0 {
		return 0.5
	}
	return math.Min(1-desirabilityEps, math.Max(desirabilityEps, e.score[i]/e.maxScore))
}

func (e *Estimator) Mandatory(i int) bool { return e.mandatory[i] }

// MandatorySet lists the mandatory segment indices.
func (e *Estimator) MandatorySet() []int {
	var out []int
	for i, m := range e.mandatory {
		if m {
			out = append(out, i)
		}
	}
	return out
}

// Scores returns a copy of the raw scores.
func (e *Estimator) Scores() []float64 {
	out := make([]float64, len(e.score))
	copy(out, e.score)
	return out
}
