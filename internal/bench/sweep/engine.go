// Package sweep runs the load phases across all workers.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wesleyorama2/blkload/internal/bench/metrics"
	"github.com/wesleyorama2/blkload/internal/bench/pacer"
	"github.com/wesleyorama2/blkload/internal/bench/transport"
)

// Sink receives rank 0's output.
type Sink interface {
	// Header is called once every worker is connected.
	Header()

	// Row is called after each phase with rank 0's summary.
	Row(s metrics.Summary)
}

// Options configures a run. Every field is read-only once Run starts.
type Options struct {
	Host     string
	BasePort int
	Threads  int

	Workload pacer.Workload

	// Rates lists the aggregate target IOPS of each step. Precondition
	// runs use only the first entry.
	Rates    []uint64
	Duration time.Duration

	// Outstanding is the per-worker request pool capacity.
	Outstanding int

	StartDelay time.Duration
	Seed       uint64

	Dialer transport.Dialer
	Sink   Sink
	Logger *slog.Logger
}

// PhaseResult collects one step's summaries from every worker that
// completed it.
type PhaseResult struct {
	Step    Step
	Workers []metrics.Summary
}

// Result is the outcome of a run.
type Result struct {
	StartTime time.Time
	EndTime   time.Time
	Phases    []PhaseResult

	ConnsOpened int64
	ConnsClosed int64
}

// Engine orchestrates one run.
//
// Example usage:
//
//	eng, _ := sweep.NewEngine(opts)
//	res, err := eng.Run(ctx)
type Engine struct {
	opts  Options
	steps []Step
}

// NewEngine validates the options and plans the run.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Threads < 1 {
		return nil, fmt.Errorf("sweep: threads must be positive, got %d", opts.Threads)
	}
	if opts.Workload.Blocks == 0 {
		return nil, errors.New("sweep: request block count must be positive")
	}
	if opts.Workload.CapacityBlocks < uint64(opts.Workload.Blocks) {
		return nil, fmt.Errorf("sweep: capacity of %d blocks is below one request", opts.Workload.CapacityBlocks)
	}
	if opts.Outstanding < 1 {
		opts.Outstanding = 1
	}
	if opts.Duration <= 0 {
		opts.Duration = time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &transport.TCPDialer{Config: transport.DefaultTCPConfig()}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Workload.Precondition {
		opts.Workload.Sequential = true
	}

	steps, err := Plan(&opts)
	if err != nil {
		return nil, err
	}
	return &Engine{opts: opts, steps: steps}, nil
}

// Steps returns the planned phases.
func (e *Engine) Steps() []Step { return e.steps }

// hooks serialises the callbacks workers make into shared state.
type hooks struct {
	sink   Sink
	opens  atomic.Int64
	closes atomic.Int64
}

func (h *hooks) opened() { h.opens.Add(1) }
func (h *hooks) closed() { h.closes.Add(1) }

func (h *hooks) header() {
	if h.sink != nil {
		h.sink.Header()
	}
}

func (h *hooks) row(s metrics.Summary) {
	if h.sink != nil {
		h.sink.Row(s)
	}
}

// Run executes every step on every worker. The first worker failure
// cancels the others and fails the run; phases completed by all workers
// before that are still returned.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	res := &Result{StartTime: time.Now()}
	h := &hooks{sink: e.opts.Sink}
	barrier := NewBarrier(e.opts.Threads)
	perWorker := make([][]metrics.Summary, e.opts.Threads)

	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < e.opts.Threads; rank++ {
		g.Go(func() error {
			w := newWorker(rank, &e.opts)
			out, err := w.run(gctx, barrier, e.steps, h)
			perWorker[rank] = out
			return err
		})
	}
	err := g.Wait()

	res.EndTime = time.Now()
	res.ConnsOpened = h.opens.Load()
	res.ConnsClosed = h.closes.Load()
	res.Phases = collect(e.steps, perWorker)

	if err != nil {
		return res, fmt.Errorf("sweep failed: %w", err)
	}
	return res, nil
}

// collect groups worker summaries by step, keeping only steps every
// worker finished.
func collect(steps []Step, perWorker [][]metrics.Summary) []PhaseResult {
	var out []PhaseResult
	for i, step := range steps {
		pr := PhaseResult{Step: step}
		for _, sums := range perWorker {
			if i >= len(sums) {
				return out
			}
			pr.Workers = append(pr.Workers, sums[i])
		}
		out = append(out, pr)
	}
	return out
}
