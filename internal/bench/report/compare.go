package report

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/tidwall/gjson"
)

// ErrInvalidReport is returned for input that is not a JSON report.
var ErrInvalidReport = errors.New("report: not a valid JSON report")

// Delta compares one phase of two reports, matched by kind and target rate.
type Delta struct {
	Kind   string
	Target uint64

	BaseIOPS float64
	CurIOPS  float64
	BaseP99  float64
	CurP99   float64

	// Missing is set when the current report has no matching phase.
	Missing bool
}

// IOPSChange returns the relative IOPS change in percent.
func (d Delta) IOPSChange() float64 { return change(d.BaseIOPS, d.CurIOPS) }

// P99Change returns the relative p99 latency change in percent.
func (d Delta) P99Change() float64 { return change(d.BaseP99, d.CurP99) }

func change(base, cur float64) float64 {
	if base == 0 {
		return 0
	}
	return (cur - base) / base * 100
}

// CompareFiles loads two reports and compares them.
func CompareFiles(baselinePath, currentPath string) ([]Delta, error) {
	base, err := os.ReadFile(baselinePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read baseline: %w", err)
	}
	cur, err := os.ReadFile(currentPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read current report: %w", err)
	}
	return Compare(base, cur)
}

// Compare matches the phases of current against baseline. Rows follow
// the baseline order.
func Compare(baseline, current []byte) ([]Delta, error) {
	if !gjson.ValidBytes(baseline) || !gjson.ValidBytes(current) {
		return nil, ErrInvalidReport
	}
	basePhases := gjson.GetBytes(baseline, "phases")
	curPhases := gjson.GetBytes(current, "phases")
	if !basePhases.IsArray() {
		return nil, fmt.Errorf("%w: baseline has no phases", ErrInvalidReport)
	}

	var out []Delta
	basePhases.ForEach(func(_, ph gjson.Result) bool {
		d := Delta{
			Kind:     ph.Get("kind").String(),
			Target:   ph.Get("target").Uint(),
			BaseIOPS: ph.Get("rank0.iops").Float(),
			BaseP99:  ph.Get("rank0.percentiles.p99").Float(),
		}
		match := findPhase(curPhases, d.Kind, d.Target)
		if !match.Exists() {
			d.Missing = true
		} else {
			d.CurIOPS = match.Get("rank0.iops").Float()
			d.CurP99 = match.Get("rank0.percentiles.p99").Float()
		}
		out = append(out, d)
		return true
	})
	return out, nil
}

func findPhase(phases gjson.Result, kind string, target uint64) gjson.Result {
	var found gjson.Result
	phases.ForEach(func(_, ph gjson.Result) bool {
		if ph.Get("kind").String() == kind && ph.Get("target").Uint() == target {
			found = ph
			return false
		}
		return true
	})
	return found
}

// WriteDeltas prints a comparison table.
func WriteDeltas(w io.Writer, deltas []Delta) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tTARGET\tIOPS BASE\tIOPS CUR\tIOPS Δ%\tP99 BASE\tP99 CUR\tP99 Δ%")
	for _, d := range deltas {
		if d.Missing {
			fmt.Fprintf(tw, "%s\t%d\t%.0f\t-\t-\t%.0f\t-\t-\n", d.Kind, d.Target, d.BaseIOPS, d.BaseP99)
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%.0f\t%.0f\t%+.1f\t%.0f\t%.0f\t%+.1f\n",
			d.Kind, d.Target, d.BaseIOPS, d.CurIOPS, d.IOPSChange(), d.BaseP99, d.CurP99, d.P99Change())
	}
	return tw.Flush()
}
