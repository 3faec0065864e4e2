// Package network holds the immutable segment and route model an optimizer
// run is built over.
package network

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrEmptyNetwork   = errors.New("network: no segments or no routes")
	ErrInvalidSegment = errors.New("network: invalid segment")
	ErrInvalidRoute   = errors.New("network: invalid route")
)

// Segment is one physical stretch of track between two nodes. Length is in metres.
type Segment struct {
	ID     int     `json:"id"`
	Length float64 `json:"length"`
	Node1  int     `json:"node1"`
	Node2  int     `json:"node2"`
}

// Route is an ordered traversal of segments, given as indices into the
// network's segment list. Segments may repeat.
type Route struct {
	ID       int    `json:"id"`
	Name     string `json:"name,omitempty"`
	Segments []int  `json:"segments"`
}

// Network is read-only after New returns.
type Network struct {
	segments    []Segment
	routes      []Route
	routesUsing [][]int
	totalLength float64
	byID        map[int]int
}

// New validates the inputs and precomputes the route index per segment.
// The slices are copied.
func New(segments []Segment, routes []Route) (*Network, error) {
	if len(segments) == 0 || len(routes) == 0 {
		return nil, ErrEmptyNetwork
	}
	n := &Network{
		segments:    make([]Segment, len(segments)),
		routes:      make([]Route, len(routes)),
		routesUsing: make([][]int, len(segments)),
		byID:        make(map[int]int, len(segments)),
	}
	copy(n.segments, segments)
	for i, s := range n.segments {
		if s.Length <= 0 || math.IsNaN(s.Length) || math.IsInf(s.Length, 0) {
			return nil, fmt.Errorf("%w: segment %d has length %v", ErrInvalidSegment, s.ID, s.Length)
		}
		if _, dup := n.byID[s.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate segment id %d", ErrInvalidSegment, s.ID)
		}
		n.byID[s.ID] = i
		n.totalLength += s.Length
	}
	for ri, r := range routes {
		if len(r.Segments) == 0 {
			return nil, fmt.Errorf("%w: route %d has no segments", ErrInvalidRoute, r.ID)
		}
		segs := make([]int, len(r.Segments))
		for k, idx := range r.Segments {
			if idx < 0 || idx >= len(n.segments) {
				return nil, fmt.Errorf("%w: route %d references segment index %d (have %d)", ErrInvalidRoute, r.ID, idx, len(n.segments))
			}
			segs[k] = idx
			using := n.routesUsing[idx]
			if len(using) == 0 || using[len(using)-1] != ri {
				n.routesUsing[idx] = append(using, ri)
			}
		}
		n.routes[ri] = Route{ID: r.ID, Name: r.Name, Segments: segs}
	}
	return n, nil
}

func (n *Network) NumSegments() int { return len(n.segments) }
func (n *Network) NumRoutes() int   { return len(n.routes) }

// Segment returns the segment at index i.
func (n *Network) Segment(i int) Segment { return n.segments[i] }

// Route returns the route at index i. Callers must not modify Segments.
func (n *Network) Route(i int) Route { return n.routes[i] }

// Segments returns a copy of the segment list.
func (n *Network) Segments() []Segment {
	out := make([]Segment, len(n.segments))
	copy(out, n.segments)
	return out
}

// Routes returns the route list. Callers must not modify it.
func (n *Network) Routes() []Route { return n.routes }

// RoutesUsing lists, in ascending order, the indices of routes traversing
// segment i. Each route appears once regardless of repeats.
func (n *Network) RoutesUsing(i int) []int { return n.routesUsing[i] }

// TotalLength is the sum of all segment lengths.
func (n *Network) TotalLength() float64 { return n.totalLength }

// IndexOf maps a segment ID to its index.
func (n *Network) IndexOf(id int) (int, bool) {
	i, ok := n.byID[id]
	return i, ok
}

// Resolve converts routes whose Segments hold segment IDs into index form.
// Useful for inputs that reference segments by their external identifiers.
func Resolve(segments []Segment, routes []Route) ([]Route, error) {
	byID := make(map[int]int, len(segments))
	for i, s := range segments {
		byID[s.ID] = i
	}
	out := make([]Route, len(routes))
	for ri, r := range routes {
		segs := make([]int, len(r.Segments))
		for k, id := range r.Segments {
			idx, ok := byID[id]
			if !ok {
				return nil, fmt.Errorf("%w: route %d references unknown segment id %d", ErrInvalidRoute, r.ID, id)
			}
			segs[k] = idx
		}
		out[ri] = Route{ID: r.ID, Name: r.Name, Segments: segs}
	}
	return out, nil
}
