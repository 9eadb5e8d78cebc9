package metrics

import (
	"fmt"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/wesleyorama2/blkload/internal/bench/pool"
)

// Kind distinguishes a sweep step from the device precondition pass.
type Kind uint8

const (
	KindRate Kind = iota
	KindPrecondition
)

func (k Kind) String() string {
	if k == KindPrecondition {
		return "precondition"
	}
	return "rate"
}

// Window sizes the three consecutive request windows of a phase, counted
// in requests per worker.
type Window struct {
	Warmup  uint64
	Measure uint64
	Drain   uint64
}

// StandardWindow returns the warm-up, measure, drain split used for every
// rate step: three windows of n requests.
func StandardWindow(n uint64) Window {
	return Window{Warmup: n, Measure: n, Drain: n}
}

// SingleWindow returns a window with no warm-up or drain.
func SingleWindow(n uint64) Window {
	return Window{Measure: n}
}

// Total returns the number of requests a worker issues in the phase.
func (w Window) Total() uint64 { return w.Warmup + w.Measure + w.Drain }

// Phase holds the per-worker counters of one phase.
type Phase struct {
	Kind   Kind
	Index  int
	Target uint64
	Window Window

	// Start is the schedule origin the pacer measures elapsed time from.
	Start time.Time

	// MeasureStart is when the first request of the measure window was sent.
	MeasureStart time.Time

	// Elapsed spans MeasureStart to the completion that closed the
	// measure window.
	Elapsed time.Duration

	Sent    uint64
	Measure uint64
	Missed  uint64
}

// SendInMeasure reports whether the next send falls in the measure window.
func (p *Phase) SendInMeasure() bool {
	return p.Sent >= p.Window.Warmup && p.Sent < p.Window.Warmup+p.Window.Measure
}

// CompletionInMeasure reports whether the next completion falls in the
// measure window.
func (p *Phase) CompletionInMeasure() bool {
	return p.Measure >= p.Window.Warmup && p.Measure < p.Window.Warmup+p.Window.Measure
}

// SendsDone reports whether every request of the phase has been issued.
func (p *Phase) SendsDone() bool { return p.Sent >= p.Window.Total() }

// Done reports whether every response of the phase has been received.
func (p *Phase) Done() bool { return p.Measure >= p.Window.Total() }

// Summary is the per-worker result of a phase.
type Summary struct {
	Kind        Kind
	Index       int
	Target      uint64
	IOPS        uint64
	Mean        uint64
	Percentiles []uint64
	Max         uint64
	Missed      uint64
	Reads       uint64
	Requests    uint64
	Elapsed     time.Duration
	Histogram   *hdrhistogram.Snapshot
}

// Tracker couples a worker's phase counters with its latency recorder.
type Tracker struct {
	Phase
	rec     *Recorder
	threads int
}

// NewTracker returns a tracker for a run with the given worker count.
func NewTracker(threads int) *Tracker {
	if threads < 1 {
		threads = 1
	}
	return &Tracker{rec: NewRecorder(), threads: threads}
}

// Recorder returns the underlying latency recorder.
func (t *Tracker) Recorder() *Recorder { return t.rec }

// Begin starts a new phase, clearing counters and the histogram.
func (t *Tracker) Begin(kind Kind, index int, target uint64, w Window) {
	t.Phase = Phase{Kind: kind, Index: index, Target: target, Window: w}
	t.rec.Reset()
}

// Complete accounts one completion observed at now. Latency is only
// recorded for reads inside the measure window. It reports whether the
// completion ended the phase.
func (t *Tracker) Complete(read bool, submitted, now time.Time) bool {
	p := &t.Phase
	if p.Done() {
		panic(&pool.InvariantError{Msg: fmt.Sprintf("completion %d past phase end %d", p.Measure+1, p.Window.Total())})
	}
	if read && p.CompletionInMeasure() {
		t.rec.Record(uint64(now.Sub(submitted).Microseconds()))
	}
	p.Measure++

	if p.Measure == p.Window.Warmup+p.Window.Measure {
		p.Elapsed = now.Sub(p.MeasureStart)
	}
	if p.Measure == p.Window.Total() {
		if p.Sent != p.Window.Total() {
			panic(&pool.InvariantError{Msg: fmt.Sprintf("phase ended with %d sent, want %d", p.Sent, p.Window.Total())})
		}
		return true
	}
	return false
}

// Summary builds the phase result. Achieved IOPS extrapolates this
// worker's measure window rate to all workers.
func (t *Tracker) Summary() Summary {
	p := t.Phase
	us := uint64(p.Elapsed.Microseconds())
	if us == 0 {
		us = 1
	}
	return Summary{
		Kind:        p.Kind,
		Index:       p.Index,
		Target:      p.Target,
		IOPS:        uint64(t.threads) * p.Window.Measure * 1_000_000 / us,
		Mean:        t.rec.Mean(),
		Percentiles: t.rec.Percentiles(),
		Max:         t.rec.Max(),
		Missed:      p.Missed,
		Reads:       t.rec.Count(),
		Requests:    p.Measure,
		Elapsed:     p.Elapsed,
		Histogram:   t.rec.Snapshot(),
	}
}
