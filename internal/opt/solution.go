package opt

import "strings"

// Solution marks, per segment index, whether the segment carries overhead wiring.
type Solution []bool

// AllWired is the trivial solution that is feasible for every network.
func AllWired(n int) Solution {
	s := make(Solution, n)
	for i := range s {
		s[i] = true
	}
	return s
}

func (s Solution) Clone() Solution {
	out := make(Solution, len(s))
	copy(out, s)
	return out
}

func (s Solution) WiredCount() int {
	n := 0
	for _, w := range s {
		if w {
			n++
		}
	}
	return n
}

// Wired lists the indices of wired segments in ascending order.
func (s Solution) Wired() []int {
	out := make([]int, 0, len(s))
	for i, w := range s {
		if w {
			out = append(out, i)
		}
	}
	return out
}

// Key is a compact string form usable as a map key.
func (s Solution) Key() string {
	var b strings.Builder
	b.Grow(len(s))
	for _, w := range s {
		if w {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

func (s Solution) Equal(o Solution) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}
