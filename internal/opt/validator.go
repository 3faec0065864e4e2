package opt

import (
	"math"

	"catenary/internal/network"
)

// BatteryState is the simulated vehicle state after one step of a route.
type BatteryState struct {
	Position int     `json:"position"`
	Segment  int     `json:"segment"`
	Wired    bool    `json:"wired"`
	Battery  float64 `json:"battery"`
	Distance float64 `json:"distance"` // metres since the last wired segment
	OK       bool    `json:"ok"`
}

// Validator decides whether a solution lets every route complete. It is
// stateless after construction and safe for concurrent use.
type Validator struct {
	net         *network.Network
	capacity    float64
	minLevel    float64
	consumption float64
	charging    float64
	maxRange    float64
}

func NewValidator(net *network.Network, cfg Config) *Validator {
	return &Validator{
		net:         net,
		capacity:    cfg.BatteryCapacity,
		minLevel:    cfg.MinBatteryLevel(),
		consumption: cfg.ConsumptionPerMeter,
		charging:    cfg.ChargingPerMeter,
		maxRange:    cfg.MaxUnpoweredDistance(),
	}
}

// step advances (battery, distance) over segment seg and reports whether the
// resulting state is admissible.
func (v *Validator) step(battery, distance float64, seg int, wired bool) (float64, float64, bool) {
	l := v.net.Segment(seg).Length
	if wired {
		battery = math.Min(v.capacity, battery+l*v.charging)
		distance = 0
	} else {
		battery -= l * v.consumption
		distance += l
	}
	return battery, distance, v.admissible(battery, distance)
}

func (v *Validator) admissible(battery, distance float64) bool {
	return battery > 0 && battery >= v.minLevel && distance <= v.maxRange
}

// RouteFeasible simulates route r from a full battery.
func (v *Validator) RouteFeasible(r int, s Solution) bool {
	return v.FirstViolation(r, s) < 0
}

// FirstViolation returns the position within route r of the first failing
// step, or -1 when the route completes.
func (v *Validator) FirstViolation(r int, s Solution) int {
	battery, distance := v.capacity, 0.0
	var ok bool
	for pos, seg := range v.net.Route(r).Segments {
		battery, distance, ok = v.step(battery, distance, seg, s[seg])
		if !ok {
			return pos
		}
	}
	return -1
}

// Feasible holds iff every route completes.
func (v *Validator) Feasible(s Solution) bool {
	for r := 0; r < v.net.NumRoutes(); r++ {
		if !v.RouteFeasible(r, s) {
			return false
		}
	}
	return true
}

// RoutesFeasible checks only the listed routes.
func (v *Validator) RoutesFeasible(routes []int, s Solution) bool {
	for _, r := range routes {
		if !v.RouteFeasible(r, s) {
			return false
		}
	}
	return true
}

// InfeasibleRoutes lists the indices of routes that fail.
func (v *Validator) InfeasibleRoutes(s Solution) []int {
	var out []int
	for r := 0; r < v.net.NumRoutes(); r++ {
		if !v.RouteFeasible(r, s) {
			out = append(out, r)
		}
	}
	return out
}

// Trace returns the state after every step of route r. Simulation continues
// past failures so the whole profile is visible.
func (v *Validator) Trace(r int, s Solution) []BatteryState {
	segs := v.net.Route(r).Segments
	out := make([]BatteryState, len(segs))
	battery, distance := v.capacity, 0.0
	var ok bool
	for pos, seg := range segs {
		battery, distance, ok = v.step(battery, distance, seg, s[seg])
		out[pos] = BatteryState{Position: pos, Segment: seg, Wired: s[seg], Battery: battery, Distance: distance, OK: ok}
	}
	return out
}

// Cost is the total wired length in metres.
func (v *Validator) Cost(s Solution) float64 {
	c := 0.0
	for i, w := range s {
		if w {
			c += v.net.Segment(i).Length
		}
	}
	return c
}

// Repair wires the first failing segment of each route until the route
// completes, mutating s. It reports whether s is feasible afterwards.
func (v *Validator) Repair(s Solution) bool {
	for r := 0; r < v.net.NumRoutes(); r++ {
		battery, distance := v.capacity, 0.0
		for _, seg := range v.net.Route(r).Segments {
			nb, nd, ok := v.step(battery, distance, seg, s[seg])
			if !ok && !s[seg] {
				s[seg] = true
				nb, nd, ok = v.step(battery, distance, seg, true)
			}
			if !ok {
				break
			}
			battery, distance = nb, nd
		}
	}
	return v.Feasible(s)
}
