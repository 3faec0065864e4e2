// Package report turns a wiring solution into chains of connected wired
// segments and per-route battery summaries.
package report

import (
	"math"
	"sort"

	"catenary/internal/network"
	"catenary/internal/opt"
)

type WiredSegment struct {
	ID     int     `json:"id"`
	Node1  int     `json:"node1"`
	Node2  int     `json:"node2"`
	Length float64 `json:"length"`
}

// Chain is a walk over adjacent wired segments. Nodes has one more entry than
// Segments.
type Chain struct {
	Segments []int   `json:"segments"` // segment IDs
	Nodes    []int   `json:"nodes"`
	Length   float64 `json:"length"`
}

type RouteSummary struct {
	ID             int     `json:"id"`
	Name           string  `json:"name,omitempty"`
	Feasible       bool    `json:"feasible"`
	MinBattery     float64 `json:"minBattery"`
	MaxUnpowered   float64 `json:"maxUnpowered"`
	WiredLength    float64 `json:"wiredLength"`
	TotalLength    float64 `json:"totalLength"`
	FirstViolation int     `json:"firstViolation"` // position, -1 when feasible
}

type Summary struct {
	TotalLength   float64        `json:"totalLength"`
	WiredLength   float64        `json:"wiredLength"`
	WiredCount    int            `json:"wiredCount"`
	WiredShare    float64        `json:"wiredShare"`
	Feasible      bool           `json:"feasible"`
	WiredSegments []WiredSegment `json:"wiredSegments"`
	Chains        []Chain        `json:"chains"`
	Routes        []RouteSummary `json:"routes"`
}

// Build summarizes s over net using v for the battery simulation.
func Build(net *network.Network, v *opt.Validator, s opt.Solution) Summary {
	sum := Summary{TotalLength: net.TotalLength(), Feasible: true}
	for _, i := range s.Wired() {
		seg := net.Segment(i)
		sum.WiredSegments = append(sum.WiredSegments, WiredSegment{ID: seg.ID, Node1: seg.Node1, Node2: seg.Node2, Length: seg.Length})
		sum.WiredLength += seg.Length
		sum.WiredCount++
	}
	if sum.TotalLength > 0 {
		sum.WiredShare = sum.WiredLength / sum.TotalLength
	}
	sum.Chains = Chains(net, s)
	for r, route := range net.Routes() {
		rs := RouteSummary{ID: route.ID, Name: route.Name, MinBattery: math.Inf(1), FirstViolation: v.FirstViolation(r, s)}
		rs.Feasible = rs.FirstViolation < 0
		for _, st := range v.Trace(r, s) {
			l := net.Segment(st.Segment).Length
			rs.TotalLength += l
			if st.Wired {
				rs.WiredLength += l
			}
			rs.MinBattery = math.Min(rs.MinBattery, st.Battery)
			rs.MaxUnpowered = math.Max(rs.MaxUnpowered, st.Distance)
		}
		if !rs.Feasible {
			sum.Feasible = false
		}
		sum.Routes = append(sum.Routes, rs)
	}
	return sum
}

type edge struct {
	seg  int
	next int
}

// Chains walks the undirected graph of wired segments. Each walk starts at a
// node with an odd number of unused wired edges when one exists, so simple
// paths come out whole; branches and cycles become further chains.
func Chains(net *network.Network, s opt.Solution) []Chain {
	adj := make(map[int][]edge)
	for _, i := range s.Wired() {
		seg := net.Segment(i)
		adj[seg.Node1] = append(adj[seg.Node1], edge{seg: i, next: seg.Node2})
		if seg.Node2 != seg.Node1 {
			adj[seg.Node2] = append(adj[seg.Node2], edge{seg: i, next: seg.Node1})
		}
	}
	nodes := make([]int, 0, len(adj))
	for n := range adj {
		nodes = append(nodes, n)
	}
	sort.Ints(nodes)

	used := make(map[int]bool)
	remaining := func(n int) int {
		c := 0
		for _, e := range adj[n] {
			if !used[e.seg] {
				c++
			}
		}
		return c
	}
	pickStart := func() (int, bool) {
		fallback, found := 0, false
		for _, n := range nodes {
			c := remaining(n)
			if c == 0 {
				continue
			}
			if c%2 == 1 {
				return n, true
			}
			if !found {
				fallback, found = n, true
			}
		}
		return fallback, found
	}

	var out []Chain
	for {
		start, ok := pickStart()
		if !ok {
			break
		}
		ch := Chain{Nodes: []int{start}}
		at := start
		for {
			var step *edge
			for k := range adj[at] {
				if !used[adj[at][k].seg] {
					step = &adj[at][k]
					break
				}
			}
			if step == nil {
				break
			}
			used[step.seg] = true
			seg := net.Segment(step.seg)
			ch.Segments = append(ch.Segments, seg.ID)
			ch.Nodes = append(ch.Nodes, step.next)
			ch.Length += seg.Length
			at = step.next
		}
		out = append(out, ch)
	}
	return out
}
