// Package report builds machine-readable run reports and compares them.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/load"
	"gonum.org/v1/gonum/stat"

	"github.com/wesleyorama2/blkload/internal/bench/config"
	"github.com/wesleyorama2/blkload/internal/bench/metrics"
	"github.com/wesleyorama2/blkload/internal/bench/sweep"
)

// Report is the JSON document written after a run.
type Report struct {
	RunID     string              `json:"runId"`
	StartTime time.Time           `json:"startTime"`
	EndTime   time.Time           `json:"endTime"`
	Config    *config.BenchConfig `json:"config"`
	Host      HostInfo            `json:"host"`
	Phases    []Phase             `json:"phases"`
	Error     string              `json:"error,omitempty"`
}

// HostInfo describes the load generator machine.
type HostInfo struct {
	CPUs   int     `json:"cpus"`
	Load1  float64 `json:"load1"`
	Load5  float64 `json:"load5"`
	Load15 float64 `json:"load15"`
}

// Phase is one sweep step.
type Phase struct {
	Kind   string `json:"kind"`
	Index  int    `json:"index"`
	Target uint64 `json:"target"`
	N      uint64 `json:"n"`

	// Rank0 is the row printed to the console.
	Rank0 Row `json:"rank0"`

	// Aggregate merges the latency histograms of every worker.
	Aggregate Aggregate `json:"aggregate"`

	Workers WorkerStats `json:"workers"`
}

// Row mirrors one console row. Latencies are in microseconds.
type Row struct {
	IOPS        uint64            `json:"iops"`
	Mean        uint64            `json:"mean"`
	Percentiles map[string]uint64 `json:"percentiles"`
	Max         uint64            `json:"max"`
	Missed      uint64            `json:"missed"`
	Reads       uint64            `json:"reads"`
}

// Aggregate holds cross-worker latency statistics in microseconds.
type Aggregate struct {
	Count       int64            `json:"count"`
	Mean        float64          `json:"mean"`
	StdDev      float64          `json:"stddev"`
	Max         int64            `json:"max"`
	Percentiles map[string]int64 `json:"percentiles"`
	Missed      uint64           `json:"missed"`
}

// WorkerStats summarises the spread of per-worker achieved IOPS.
type WorkerStats struct {
	Count      int     `json:"count"`
	IOPSMean   float64 `json:"iopsMean"`
	IOPSStdDev float64 `json:"iopsStdDev"`
	IOPSMin    float64 `json:"iopsMin"`
	IOPSMax    float64 `json:"iopsMax"`
}

// loadAvg and logicalCPUs are replaced in tests.
var (
	loadAvg     = load.Avg
	logicalCPUs = func() (int, error) { return cpu.Counts(true) }
)

// Build assembles a report from a finished (or failed) run.
func Build(cfg *config.BenchConfig, res *sweep.Result, runErr error) *Report {
	r := &Report{
		RunID:  uuid.NewString(),
		Config: cfg,
		Host:   hostInfo(),
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	if res == nil {
		return r
	}

	r.StartTime = res.StartTime
	r.EndTime = res.EndTime
	for _, pr := range res.Phases {
		r.Phases = append(r.Phases, buildPhase(pr))
	}
	return r
}

func hostInfo() HostInfo {
	var h HostInfo
	if n, err := logicalCPUs(); err == nil {
		h.CPUs = n
	}
	if avg, err := loadAvg(); err == nil && avg != nil {
		h.Load1, h.Load5, h.Load15 = avg.Load1, avg.Load5, avg.Load15
	}
	return h
}

func percentileKey(p int) string { return "p" + strconv.Itoa(p) }

func buildPhase(pr sweep.PhaseResult) Phase {
	ph := Phase{
		Kind:   pr.Step.Kind.String(),
		Index:  pr.Step.Index,
		Target: pr.Step.Target,
		N:      pr.Step.N,
	}
	if len(pr.Workers) == 0 {
		return ph
	}

	s0 := pr.Workers[0]
	ph.Rank0 = Row{
		IOPS:        s0.IOPS,
		Mean:        s0.Mean,
		Percentiles: make(map[string]uint64, len(s0.Percentiles)),
		Max:         s0.Max,
		Missed:      s0.Missed,
		Reads:       s0.Reads,
	}
	for i, v := range s0.Percentiles {
		ph.Rank0.Percentiles[percentileKey(metrics.Ladder[i])] = v
	}

	iops := make([]float64, len(pr.Workers))
	var missed uint64
	for i, s := range pr.Workers {
		iops[i] = float64(s.IOPS)
		missed += s.Missed
	}
	ph.Workers = workerStats(iops)
	ph.Aggregate = aggregate(pr.Workers)
	ph.Aggregate.Missed = missed
	return ph
}

func workerStats(iops []float64) WorkerStats {
	ws := WorkerStats{Count: len(iops)}
	if len(iops) == 0 {
		return ws
	}
	ws.IOPSMean, ws.IOPSStdDev = stat.MeanStdDev(iops, nil)
	if len(iops) == 1 {
		ws.IOPSStdDev = 0
	}
	ws.IOPSMin, ws.IOPSMax = iops[0], iops[0]
	for _, v := range iops[1:] {
		ws.IOPSMin = min(ws.IOPSMin, v)
		ws.IOPSMax = max(ws.IOPSMax, v)
	}
	return ws
}

func aggregate(workers []metrics.Summary) Aggregate {
	snaps := make([]*hdrhistogram.Snapshot, 0, len(workers))
	for _, s := range workers {
		snaps = append(snaps, s.Histogram)
	}
	h := metrics.Merge(snaps...)

	agg := Aggregate{
		Count:       h.TotalCount(),
		Percentiles: make(map[string]int64, len(metrics.Ladder)),
	}
	if agg.Count == 0 {
		return agg
	}
	agg.Mean = h.Mean()
	agg.StdDev = h.StdDev()
	agg.Max = h.Max()
	for _, p := range metrics.Ladder {
		agg.Percentiles[percentileKey(p)] = h.ValueAtQuantile(float64(p))
	}
	return agg
}

// WriteFile writes the report as indented JSON.
func (r *Report) WriteFile(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}
	return nil
}
