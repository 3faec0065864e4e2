// Package opt decides which network segments need overhead wiring so every
// route completes on battery, minimizing the wired length with an ant colony
// search refined by local descent.
package opt

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"catenary/internal/logging"
	"catenary/internal/network"
)

const (
	defaultSeed       = 1
	seedFlipRate      = 0.2
	diversifyFlipRate = 0.1
)

type Status string

const (
	StatusOptimized Status = "optimized"
	StatusFallback  Status = "fallback" // nothing better than all-wired was ever feasible
)

// Reason is why a run stopped.
type Reason string

const (
	ReasonIterations Reason = "iterations"
	ReasonTarget     Reason = "target"
	ReasonTime       Reason = "time"
	ReasonCancelled  Reason = "cancelled"
)

// Progress is reported to the observer after every iteration.
type Progress struct {
	Iteration     int           `json:"iteration"`
	Iterations    int           `json:"iterations"`
	BestCost      float64       `json:"bestCost"`
	IterationBest float64       `json:"iterationBest,omitempty"`
	Feasible      int           `json:"feasible"`
	Stagnation    int           `json:"stagnation"`
	Improved      bool          `json:"improved"`
	Elapsed       time.Duration `json:"elapsed"`
}

type Snapshot struct {
	Iteration   int            `json:"iteration"`
	BestCost    float64        `json:"bestCost"`
	Pheromone   PheromoneStats `json:"pheromone"`
	ArchiveSize int            `json:"archiveSize"`
}

type Metrics struct {
	Candidates       int        `json:"candidates"`
	Feasible         int        `json:"feasible"`
	Fallbacks        int        `json:"fallbacks"`
	Improvements     int        `json:"improvements"`
	Diversifications int        `json:"diversifications"`
	LocalSearchGain  float64    `json:"localSearchGain"`
	InitialCost      float64    `json:"initialCost"`
	BestCost         float64    `json:"bestCost"`
	Snapshots        []Snapshot `json:"snapshots,omitempty"`
}

type Result struct {
	Solution   Solution      `json:"solution"`
	Cost       float64       `json:"cost"`
	Status     Status        `json:"status"`
	Reason     Reason        `json:"reason"`
	Iterations int           `json:"iterations"`
	Elapsed    time.Duration `json:"elapsed"`
	Metrics    Metrics       `json:"metrics"`
}

type Option func(*Optimizer)

// WithRand sets the random source for every stochastic choice of the run.
func WithRand(r *rand.Rand) Option { return func(o *Optimizer) { o.rng = r } }

// WithObserver registers fn to receive per-iteration progress. fn runs on the
// optimizer goroutine.
func WithObserver(fn func(Progress)) Option { return func(o *Optimizer) { o.observer = fn } }

// WithClock replaces time.Now for time budgets and elapsed reporting.
func WithClock(now func() time.Time) Option { return func(o *Optimizer) { o.now = now } }

// WithLogger sets the logger for debug output of the search.
func WithLogger(l logging.Logger) Option { return func(o *Optimizer) { o.log = l } }

// Optimizer runs one search over a fixed network and config. It is not safe
// for concurrent use.
type Optimizer struct {
	net      *network.Network
	cfg      Config
	rng      *rand.Rand
	observer func(Progress)
	now      func() time.Time
	log      logging.Logger

	validator   *Validator
	estimator   *Estimator
	pheromone   *Pheromone
	constructor *Constructor
	local       *LocalSearch
}

// New validates cfg and precomputes heuristic information for net.
func New(net *network.Network, cfg Config, opts ...Option) (*Optimizer, error) {
	if net == nil {
		return nil, fmt.Errorf("opt: %w", network.ErrEmptyNetwork)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Optimizer{net: net, cfg: cfg, now: time.Now, log: logging.Noop()}
	for _, opt := range opts {
		opt(o)
	}
	if o.rng == nil {
		seed := cfg.Seed
		if seed == 0 {
			seed = defaultSeed
		}
		o.rng = rand.New(rand.NewSource(seed))
	}
	o.validator = NewValidator(net, cfg)
	o.estimator = NewEstimator(net, cfg)
	o.pheromone = NewPheromone(net.NumSegments(), cfg.TauMin, cfg.TauMax)
	o.constructor = NewConstructor(net, cfg, o.validator, o.estimator, o.pheromone, o.rng)
	o.local = NewLocalSearch(net, cfg, o.validator, o.estimator, o.rng)
	return o, nil
}

// Config returns the parameters the optimizer was built with.
func (o *Optimizer) Config() Config { return o.cfg }

// Network returns the network being optimized.
func (o *Optimizer) Network() *network.Network { return o.net }

// Validator returns the feasibility checker shared by every stage of the run.
func (o *Optimizer) Validator() *Validator { return o.validator }

// Mandatory lists the segments fixed wired in every candidate.
func (o *Optimizer) Mandatory() []int { return o.estimator.MandatorySet() }

// Heuristic returns the raw per-segment desirability scores.
func (o *Optimizer) Heuristic() []float64 { return o.estimator.Scores() }

func (o *Optimizer) candidate(s Solution) Candidate {
	return Candidate{Solution: s, Cost: o.validator.Cost(s)}
}

// Run searches until the iteration budget, target cost or time budget is
// reached, or ctx is cancelled. Cancellation is checked between iterations;
// the best result so far is returned together with ctx.Err().
func (o *Optimizer) Run(ctx context.Context) (Result, error) {
	start := o.now()
	cfg := o.cfg
	n := o.net.NumSegments()
	allWired := AllWired(n)

	o.pheromone.Initialize(cfg.Tau0)
	archive := NewArchive(cfg.EliteSize)

	seed := o.local.GreedySeed()
	pop := []Candidate{o.candidate(allWired), o.candidate(seed)}
	for k := 0; k < cfg.RandomSeeds; k++ {
		base := allWired
		if k%2 == 1 {
			base = seed
		}
		if s, ok := o.constructor.Perturb(base, seedFlipRate); ok {
			pop = append(pop, o.candidate(s))
		}
	}
	pop = mergePopulation(pop, nil, cfg.PopulationSize)
	for _, c := range pop {
		archive.Add(c)
	}
	best := Candidate{Solution: pop[0].Solution.Clone(), Cost: pop[0].Cost}

	m := Metrics{InitialCost: best.Cost}
	reason := ReasonIterations
	stagnation := 0
	iter := 0
	var runErr error
	for iter < cfg.Iterations {
		if runErr = ctx.Err(); runErr != nil {
			reason = ReasonCancelled
			break
		}
		iter++

		var iterBest *Candidate
		feasible := 0
		for a := 0; a < cfg.Ants; a++ {
			m.Candidates++
			s, fallback := o.constructor.Construct()
			if fallback {
				m.Fallbacks++
				continue
			}
			feasible++
			c := o.candidate(s)
			if iterBest == nil || c.Cost < iterBest.Cost {
				iterBest = &c
			}
		}
		m.Feasible += feasible

		improved := false
		if iterBest != nil {
			refined := o.candidate(o.local.Improve(iterBest.Solution))
			m.LocalSearchGain += iterBest.Cost - refined.Cost
			iterBest = &refined
			archive.Add(refined)
			pop = mergePopulation(pop, []Candidate{refined}, cfg.PopulationSize)
			if refined.Cost < best.Cost-costEpsilon {
				best = Candidate{Solution: refined.Solution.Clone(), Cost: refined.Cost}
				improved = true
				m.Improvements++
				o.log.Debug(ctx, "new best", logging.Int("iteration", iter), logging.Float("cost", best.Cost))
			}
		}

		o.pheromone.Evaporate(cfg.Rho)
		if iterBest != nil {
			o.pheromone.Deposit(iterBest.Solution, iterBest.Cost, cfg.Q)
		}
		for _, e := range archive.Entries() {
			o.pheromone.Deposit(e.Solution, e.Cost, cfg.Q)
		}

		if improved {
			stagnation = 0
		} else {
			stagnation++
		}
		if stagnation >= cfg.StagnationLimit {
			pop = o.diversify(pop, archive)
			if pop[0].Cost < best.Cost-costEpsilon {
				best = Candidate{Solution: pop[0].Solution.Clone(), Cost: pop[0].Cost}
				improved = true
				m.Improvements++
			}
			o.pheromone.Evaporate(cfg.Rho)
			m.Diversifications++
			stagnation = 0
			o.log.Debug(ctx, "diversified population", logging.Int("iteration", iter), logging.Float("best", best.Cost))
		}

		if cfg.SnapshotEvery > 0 && iter%cfg.SnapshotEvery == 0 {
			m.Snapshots = append(m.Snapshots, Snapshot{
				Iteration:   iter,
				BestCost:    best.Cost,
				Pheromone:   o.pheromone.Stats(),
				ArchiveSize: archive.Len(),
			})
		}
		elapsed := o.now().Sub(start)
		if o.observer != nil {
			p := Progress{
				Iteration:  iter,
				Iterations: cfg.Iterations,
				BestCost:   best.Cost,
				Feasible:   feasible,
				Stagnation: stagnation,
				Improved:   improved,
				Elapsed:    elapsed,
			}
			if iterBest != nil {
				p.IterationBest = iterBest.Cost
			}
			o.observer(p)
		}
		if cfg.TargetCost > 0 && best.Cost <= cfg.TargetCost {
			reason = ReasonTarget
			break
		}
		if cfg.TimeBudget > 0 && elapsed >= cfg.TimeBudget {
			reason = ReasonTime
			break
		}
	}

	m.BestCost = best.Cost
	status := StatusOptimized
	if best.Solution.Equal(allWired) {
		status = StatusFallback
	}
	return Result{
		Solution:   best.Solution,
		Cost:       best.Cost,
		Status:     status,
		Reason:     reason,
		Iterations: iter,
		Elapsed:    o.now().Sub(start),
		Metrics:    m,
	}, runErr
}

// diversify perturbs every population member past the elite prefix.
func (o *Optimizer) diversify(pop []Candidate, archive *Archive) []Candidate {
	out := make([]Candidate, len(pop))
	copy(out, pop)
	for i := o.cfg.EliteSize; i < len(out); i++ {
		if s, ok := o.constructor.Perturb(out[i].Solution, diversifyFlipRate); ok {
			out[i] = o.candidate(s)
			archive.Add(out[i])
		}
	}
	return mergePopulation(out, nil, o.cfg.PopulationSize)
}

// mergePopulation combines pop and extra, drops duplicate solutions, sorts by
// cost and keeps at most limit members.
func mergePopulation(pop, extra []Candidate, limit int) []Candidate {
	all := append(append(make([]Candidate, 0, len(pop)+len(extra)), pop...), extra...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Cost < all[j].Cost })
	seen := make(map[string]struct{}, len(all))
	out := all[:0]
	for _, c := range all {
		k := c.Solution.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out
}
