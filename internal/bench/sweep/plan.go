package sweep

import (
	"errors"
	"fmt"
	"time"

	"github.com/wesleyorama2/blkload/internal/bench/metrics"
)

// MaxMeasure bounds the per-worker window size of a rate step.
const MaxMeasure = 950_000

// DefaultRates is the built-in sweep ladder in aggregate IOPS.
var DefaultRates = []uint64{
	1000, 10000, 50000, 100000, 150000, 200000, 250000, 300000,
	400000, 600000, 700000, 750000, 800000, 850000, 900000, 950000,
}

// ErrEmptyPlan is returned when there is nothing to run.
var ErrEmptyPlan = errors.New("sweep: no phases to run")

// Step is one phase of the run.
type Step struct {
	Kind   metrics.Kind
	Index  int
	Target uint64

	// N is the per-worker window size of a rate step.
	N uint64
}

// Plan expands the options into the ordered list of phases.
func Plan(opts *Options) ([]Step, error) {
	if len(opts.Rates) == 0 {
		return nil, ErrEmptyPlan
	}
	if opts.Workload.Precondition {
		return []Step{{Kind: metrics.KindPrecondition, Target: opts.Rates[0]}}, nil
	}

	steps := make([]Step, 0, len(opts.Rates))
	for i, target := range opts.Rates {
		n := WindowSize(target, opts.Duration, opts.Threads)
		if n == 0 {
			return nil, fmt.Errorf("sweep: rate %d over %s gives an empty window for %d workers", target, opts.Duration, opts.Threads)
		}
		if n > MaxMeasure {
			return nil, fmt.Errorf("sweep: rate %d gives window %d, above the limit of %d", target, n, MaxMeasure)
		}
		steps = append(steps, Step{Kind: metrics.KindRate, Index: i, Target: target, N: n})
	}
	return steps, nil
}

// WindowSize returns N = target × duration / threads.
func WindowSize(target uint64, d time.Duration, threads int) uint64 {
	if threads < 1 {
		threads = 1
	}
	return target * uint64(d) / (uint64(threads) * uint64(time.Second))
}

// Partition splits total requests across workers as evenly as possible
// and returns the count and first request index of the given rank.
func Partition(total uint64, threads, rank int) (count, first uint64) {
	t := uint64(max(threads, 1))
	r := uint64(rank)
	base, extra := total/t, total%t
	count = base
	if r < extra {
		count++
	}
	first = r*base + min(r, extra)
	return count, first
}
