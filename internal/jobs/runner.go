// Package jobs runs submitted optimizations on a bounded worker pool.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"catenary/internal/events"
	"catenary/internal/logging"
	"catenary/internal/metrics"
	"catenary/internal/model"
	"catenary/internal/network"
	"catenary/internal/observability"
	"catenary/internal/opt"
	"catenary/internal/store"
	"catenary/internal/webhooks"
)

var (
	ErrQueueFull  = errors.New("jobs: queue full")
	ErrUnknownRun = errors.New("jobs: run not queued or running")
	ErrStopped    = errors.New("jobs: runner stopped")
)

// progressEvery bounds how often unimproved progress is written to the store.
const progressEvery = 10

type job struct {
	tenantID string
	runID    string
}

type Options struct {
	Workers   int
	QueueSize int
	Log       logging.Logger
	Tracer    trace.Tracer
	Now       func() time.Time
}

// Runner owns the run queue. Runs are executed one per worker goroutine;
// each run gets its own cancellable context.
type Runner struct {
	store  store.Store
	events events.Broker
	pub    *webhooks.Publisher
	log    logging.Logger
	tracer trace.Tracer
	now    func() time.Time

	workers int
	queue   chan job

	mu      sync.Mutex
	queued  map[string]bool
	running map[string]context.CancelFunc
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(s store.Store, b events.Broker, pub *webhooks.Publisher, o Options) *Runner {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.Log == nil {
		o.Log = logging.Noop()
	}
	if o.Tracer == nil {
		o.Tracer = observability.Tracer()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:   s,
		events:  b,
		pub:     pub,
		log:     o.Log,
		tracer:  o.Tracer,
		now:     o.Now,
		workers: o.Workers,
		queue:   make(chan job, o.QueueSize),
		queued:  map[string]bool{},
		running: map[string]context.CancelFunc{},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers.
func (r *Runner) Start() {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
}

// Stop cancels running runs and waits for the workers to exit or ctx to end.
// Queued runs stay queued in the store.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.queue)
	}
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues a persisted run. It never blocks.
func (r *Runner) Submit(run model.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrStopped
	}
	select {
	case r.queue <- job{tenantID: run.TenantID, runID: run.ID}:
		r.queued[run.ID] = true
		metrics.QueueDepth.Set(float64(len(r.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Cancel stops a queued or running run. A queued run is marked cancelled
// immediately; a running one stops after its current iteration and keeps
// its best result.
func (r *Runner) Cancel(ctx context.Context, tenantID, runID string) error {
	r.mu.Lock()
	stop, running := r.running[runID]
	queued := r.queued[runID]
	if queued {
		delete(r.queued, runID)
	}
	r.mu.Unlock()

	switch {
	case running:
		stop()
		return nil
	case queued:
		r.finish(ctx, tenantID, runID, model.RunCancelled, "cancelled before start", nil)
		return nil
	default:
		return ErrUnknownRun
	}
}

// Active lists the IDs of runs currently executing.
func (r *Runner) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.running))
	for id := range r.running {
		out = append(out, id)
	}
	return out
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for j := range r.queue {
		metrics.QueueDepth.Set(float64(len(r.queue)))
		r.mu.Lock()
		wasQueued := r.queued[j.runID]
		delete(r.queued, j.runID)
		if !wasQueued || r.ctx.Err() != nil {
			r.mu.Unlock()
			continue
		}
		ctx, cancel := context.WithCancel(r.ctx)
		r.running[j.runID] = cancel
		r.mu.Unlock()

		r.execute(ctx, j)

		r.mu.Lock()
		delete(r.running, j.runID)
		r.mu.Unlock()
		cancel()
	}
}

func (r *Runner) execute(ctx context.Context, j job) {
	log := r.log.With(logging.String("run_id", j.runID), logging.String("tenant_id", j.tenantID))
	ctx, span := r.tracer.Start(ctx, "optimizer.run", trace.WithAttributes(
		attribute.String("run.id", j.runID),
		attribute.String("tenant.id", j.tenantID),
	))
	defer span.End()

	// store writes must outlive cancellation of the run itself
	bg := context.WithoutCancel(ctx)

	run, err := r.store.GetRun(bg, j.tenantID, j.runID)
	if err != nil {
		log.Error(bg, "load run", logging.Err(err))
		span.RecordError(err)
		return
	}
	if run.Status.Terminal() {
		return
	}
	in, err := r.store.GetRunInput(bg, j.tenantID, j.runID)
	if err != nil {
		r.fail(bg, span, run, fmt.Errorf("load input: %w", err))
		return
	}
	net, err := network.New(in.Segments, in.Routes)
	if err != nil {
		r.fail(bg, span, run, err)
		return
	}

	if err := r.store.UpdateRunStatus(bg, run.TenantID, run.ID, model.RunRunning, "", r.now()); err != nil {
		log.Warn(bg, "mark running", logging.Err(err))
		return
	}
	r.events.Publish(bg, run.ID, model.RunEvent{Type: model.EventStatus, RunID: run.ID, TenantID: run.TenantID, Status: model.RunRunning, At: r.now().UTC()})
	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()

	observe := func(p opt.Progress) {
		if p.Improved || p.Iteration%progressEvery == 0 || p.Iteration == p.Iterations {
			if err := r.store.SaveRunProgress(bg, run.TenantID, run.ID, p); err != nil {
				log.Warn(bg, "save progress", logging.Err(err))
			}
		}
		r.events.Publish(bg, run.ID, model.RunEvent{Type: model.EventProgress, RunID: run.ID, TenantID: run.TenantID, Progress: &p, At: r.now().UTC()})
	}
	o, err := opt.New(net, run.Config, opt.WithObserver(observe), opt.WithLogger(log))
	if err != nil {
		r.fail(bg, span, run, err)
		return
	}
	span.SetAttributes(
		attribute.Int("network.segments", net.NumSegments()),
		attribute.Int("network.routes", net.NumRoutes()),
		attribute.Int("optimizer.mandatory", len(o.Mandatory())),
	)
	log.Info(bg, "run started", logging.Int("segments", net.NumSegments()), logging.Int("routes", net.NumRoutes()))

	res, runErr := o.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		r.fail(bg, span, run, runErr)
		return
	}
	result := NewRunResult(o, res)
	if err := r.store.SaveRunResult(bg, run.TenantID, run.ID, result); err != nil {
		r.fail(bg, span, run, fmt.Errorf("save result: %w", err))
		return
	}
	if len(res.Metrics.Snapshots) > 0 {
		if err := r.store.SaveRunSnapshots(bg, run.TenantID, run.ID, res.Metrics.Snapshots); err != nil {
			log.Warn(bg, "save snapshots", logging.Err(err))
		}
	}

	metrics.RunDuration.Observe(res.Elapsed.Seconds())
	metrics.RunIterations.Observe(float64(res.Iterations))
	if total := net.TotalLength(); total > 0 {
		metrics.WiredShare.Observe(res.Cost / total)
	}
	span.SetAttributes(
		attribute.Float64("result.cost", res.Cost),
		attribute.Int("result.iterations", res.Iterations),
		attribute.String("result.reason", string(res.Reason)),
	)

	status, msg := model.RunSucceeded, ""
	if runErr != nil {
		status, msg = model.RunCancelled, "cancelled"
	}
	log.Info(bg, "run finished",
		logging.String("status", string(status)),
		logging.Float("cost", res.Cost),
		logging.Int("iterations", res.Iterations),
		logging.Duration("elapsed", res.Elapsed),
	)
	span.SetStatus(codes.Ok, "")
	r.finish(bg, run.TenantID, run.ID, status, msg, &result)
}

func (r *Runner) fail(ctx context.Context, span trace.Span, run model.Run, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.log.Error(ctx, "run failed", logging.String("run_id", run.ID), logging.Err(err))
	r.finish(ctx, run.TenantID, run.ID, model.RunFailed, err.Error(), nil)
}

// finish records the terminal status, announces it on the run channel and
// queues the completion webhook.
func (r *Runner) finish(ctx context.Context, tenantID, runID string, status model.RunStatus, msg string, res *model.RunResult) {
	if err := r.store.UpdateRunStatus(ctx, tenantID, runID, status, msg, r.now()); err != nil {
		r.log.Warn(ctx, "mark finished", logging.String("run_id", runID), logging.Err(err))
		return
	}
	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	ev := model.RunEvent{Type: model.EventDone, RunID: runID, TenantID: tenantID, Status: status, Result: res, Error: msg, At: r.now().UTC()}
	r.events.Publish(ctx, runID, ev)

	if r.pub == nil {
		return
	}
	run, err := r.store.GetRun(ctx, tenantID, runID)
	if err != nil || run.CallbackURL == "" {
		return
	}
	if _, err := r.pub.Emit(ctx, tenantID, runID, model.EventDone, run.CallbackURL, run.CallbackSecret, ev); err != nil {
		r.log.Warn(ctx, "enqueue webhook", logging.String("run_id", runID), logging.Err(err))
	}
}

// NewRunResult converts an optimizer result into its stored form, with
// segments named by ID.
func NewRunResult(o *opt.Optimizer, res opt.Result) model.RunResult {
	net := o.Network()
	ids := func(idx []int) []int {
		out := make([]int, len(idx))
		for k, i := range idx {
			out[k] = net.Segment(i).ID
		}
		return out
	}
	return model.RunResult{
		Cost:        res.Cost,
		TotalLength: net.TotalLength(),
		Status:      res.Status,
		Reason:      res.Reason,
		Iterations:  res.Iterations,
		ElapsedMs:   res.Elapsed.Milliseconds(),
		Wired:       ids(res.Solution.Wired()),
		Mandatory:   ids(o.Mandatory()),
		Solution:    res.Solution,
		Metrics:     res.Metrics,
	}
}
