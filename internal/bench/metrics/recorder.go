// Package metrics records completion latencies and tracks the warm-up,
// measure and drain windows of a load phase.
package metrics

import (
	"github.com/HdrHistogram/hdrhistogram-go"
)

// MaxLatency is the number of one-microsecond latency buckets. Latencies of
// MaxLatency-1 µs or more land in the last bucket.
const MaxLatency = 5000

// Ladder lists the percentiles reported for every phase.
var Ladder = []int{10, 20, 30, 40, 50, 60, 70, 80, 90, 95, 99}

// HDR histogram range, in microseconds. The mirror keeps the unsaturated
// value so merged cross-worker percentiles are not clipped at MaxLatency.
const (
	hdrMin     = 1
	hdrMax     = 60_000_000
	hdrSigFigs = 3
)

// Recorder is a fixed-resolution latency histogram owned by one worker.
//
// # Thread Safety
//
// Recorder is not safe for concurrent use; each worker owns its own.
type Recorder struct {
	buckets [MaxLatency]uint64
	count   uint64
	sum     uint64
	max     uint64

	hist *hdrhistogram.Histogram
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		hist: hdrhistogram.New(hdrMin, hdrMax, hdrSigFigs),
	}
}

// Record adds one latency sample in microseconds.
func (r *Recorder) Record(us uint64) {
	idx := us
	if idx >= MaxLatency {
		idx = MaxLatency - 1
	}
	r.buckets[idx]++
	r.count++
	r.sum += us
	if us > r.max {
		r.max = us
	}

	v := int64(us)
	if v > hdrMax {
		v = hdrMax
	}
	_ = r.hist.RecordValue(v)
}

// Count returns the number of samples.
func (r *Recorder) Count() uint64 { return r.count }

// Sum returns the sum of all samples.
func (r *Recorder) Sum() uint64 { return r.sum }

// Max returns the largest sample.
func (r *Recorder) Max() uint64 { return r.max }

// Mean returns the integer mean, or 0 with no samples.
func (r *Recorder) Mean() uint64 {
	if r.count == 0 {
		return 0
	}
	return r.sum / r.count
}

// Percentile returns the smallest bucket (in µs) at which the cumulative
// sample count reaches p percent of all samples, rounding the target up.
// It returns 0 when the recorder is empty.
func (r *Recorder) Percentile(p int) uint64 {
	if r.count == 0 {
		return 0
	}
	target := (r.count*uint64(p) + 99) / 100
	if target == 0 {
		target = 1
	}
	var cum uint64
	for i, n := range r.buckets {
		cum += n
		if cum >= target {
			return uint64(i)
		}
	}
	return MaxLatency - 1
}

// Percentiles evaluates the Ladder.
func (r *Recorder) Percentiles() []uint64 {
	out := make([]uint64, len(Ladder))
	for i, p := range Ladder {
		out[i] = r.Percentile(p)
	}
	return out
}

// Snapshot exports the HDR mirror for cross-worker merging.
func (r *Recorder) Snapshot() *hdrhistogram.Snapshot {
	return r.hist.Export()
}

// Reset clears every bucket and summary statistic.
func (r *Recorder) Reset() {
	r.buckets = [MaxLatency]uint64{}
	r.count = 0
	r.sum = 0
	r.max = 0
	r.hist.Reset()
}

// Merge combines exported worker histograms into one.
func Merge(snaps ...*hdrhistogram.Snapshot) *hdrhistogram.Histogram {
	out := hdrhistogram.New(hdrMin, hdrMax, hdrSigFigs)
	for _, s := range snaps {
		if s == nil {
			continue
		}
		out.Merge(hdrhistogram.Import(s))
	}
	return out
}
