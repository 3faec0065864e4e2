// Command optimize runs one wiring optimization over a network file and
// writes the result as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"catenary/internal/jobs"
	"catenary/internal/logging"
	"catenary/internal/model"
	"catenary/internal/network"
	"catenary/internal/opt"
	"catenary/internal/report"
)

type options struct {
	in         string
	out        string
	preset     string
	seed       int64
	iterations int
	ants       int
	budget     time.Duration
	withReport bool
	logEvery   int
}

// inputFile is the network document read by -in.
type inputFile struct {
	Segments    []network.Segment `json:"segments"`
	Routes      []network.Route   `json:"routes"`
	SegmentRefs string            `json:"segmentRefs,omitempty"`
}

type output struct {
	Result model.RunResult `json:"result"`
	Report *report.Summary `json:"report,omitempty"`
}

func main() {
	var o options
	flag.StringVar(&o.in, "in", "", "Network JSON file ({segments, routes}); - reads stdin")
	flag.StringVar(&o.out, "out", "", "Write the result JSON here instead of stdout")
	flag.StringVar(&o.preset, "preset", "", "Fleet preset (J, L or Z)")
	flag.Int64Var(&o.seed, "seed", 0, "Random seed (0 uses the default)")
	flag.IntVar(&o.iterations, "iterations", 0, "Override the iteration budget")
	flag.IntVar(&o.ants, "ants", 0, "Override the number of ants per iteration")
	flag.DurationVar(&o.budget, "time-budget", 0, "Stop after this much wall time (e.g. 30s)")
	flag.BoolVar(&o.withReport, "report", false, "Include the chain and per-route report")
	flag.IntVar(&o.logEvery, "log-every", 25, "Log progress every N iterations (0 disables)")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, o, log); err != nil {
		log.Error(ctx, "optimize failed", logging.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, o options, log logging.Logger) error {
	if o.in == "" {
		return errors.New("-in is required")
	}
	net, err := readNetwork(o.in)
	if err != nil {
		return err
	}
	cfg, err := buildConfig(o)
	if err != nil {
		return err
	}

	observe := func(p opt.Progress) {
		if o.logEvery > 0 && (p.Iteration%o.logEvery == 0 || p.Improved) {
			log.Info(ctx, "progress",
				logging.Int("iteration", p.Iteration),
				logging.Float("best", p.BestCost),
				logging.Int("stagnation", p.Stagnation),
			)
		}
	}
	optimizer, err := opt.New(net, cfg, opt.WithObserver(observe), opt.WithLogger(log))
	if err != nil {
		return err
	}
	log.Info(ctx, "optimizing",
		logging.Int("segments", net.NumSegments()),
		logging.Int("routes", net.NumRoutes()),
		logging.Int("mandatory", len(optimizer.Mandatory())),
	)
	res, err := optimizer.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if err != nil {
		log.Warn(ctx, "interrupted; writing best result so far", logging.Int("iterations", res.Iterations))
	}

	doc := output{Result: jobs.NewRunResult(optimizer, res)}
	if o.withReport {
		sum := report.Build(net, optimizer.Validator(), res.Solution)
		doc.Report = &sum
	}
	log.Info(ctx, "done",
		logging.Float("cost", res.Cost),
		logging.String("reason", string(res.Reason)),
		logging.Duration("elapsed", res.Elapsed),
	)
	return writeJSON(o.out, doc)
}

func buildConfig(o options) (opt.Config, error) {
	cfg := opt.DefaultConfig()
	if o.preset != "" {
		p, ok := opt.Preset(o.preset)
		if !ok {
			return opt.Config{}, fmt.Errorf("unknown preset %q (known: %v)", o.preset, opt.PresetNames())
		}
		cfg = p
	}
	if o.seed != 0 {
		cfg.Seed = o.seed
	}
	if o.iterations > 0 {
		cfg.Iterations = o.iterations
	}
	if o.ants > 0 {
		cfg.Ants = o.ants
	}
	if o.budget > 0 {
		cfg.TimeBudget = o.budget
	}
	return cfg, cfg.Validate()
}

func readNetwork(path string) (*network.Network, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var in inputFile
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	routes := in.Routes
	if in.SegmentRefs == model.RefsID {
		var err error
		if routes, err = network.Resolve(in.Segments, in.Routes); err != nil {
			return nil, err
		}
	}
	return network.New(in.Segments, routes)
}

func writeJSON(path string, v any) error {
	var w io.Writer = os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
