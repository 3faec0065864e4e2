package opt

import "sort"

// Candidate is a feasible solution with its cost.
type Candidate struct {
	Solution Solution
	Cost     float64
}

// Archive keeps the best distinct candidates seen, cheapest first.
type Archive struct {
	limit   int
	entries []Candidate
	keys    map[string]struct{}
}

func NewArchive(limit int) *Archive {
	return &Archive{limit: limit, keys: make(map[string]struct{}, limit)}
}

// Add inserts c if it is new and better than the current worst, or the archive
// has room. It reports whether c was stored.
func (a *Archive) Add(c Candidate) bool {
	key := c.Solution.Key()
	if _, dup := a.keys[key]; dup {
		return false
	}
	if len(a.entries) >= a.limit {
		worst := a.entries[len(a.entries)-1]
		if c.Cost >= worst.Cost {
			return false
		}
		delete(a.keys, worst.Solution.Key())
		a.entries = a.entries[:len(a.entries)-1]
	}
	c.Solution = c.Solution.Clone()
	a.keys[key] = struct{}{}
	i := sort.Search(len(a.entries), func(i int) bool { return a.entries[i].Cost > c.Cost })
	a.entries = append(a.entries, Candidate{})
	copy(a.entries[i+1:], a.entries[i:])
	a.entries[i] = c
	return true
}

func (a *Archive) Len() int { return len(a.entries) }

// Entries returns the stored candidates, cheapest first. Callers must not
// modify the solutions.
func (a *Archive) Entries() []Candidate { return a.entries }

// Best returns the cheapest entry.
func (a *Archive) Best() (Candidate, bool) {
	if len(a.entries) == 0 {
		return Candidate{}, false
	}
	return a.entries[0], true
}
