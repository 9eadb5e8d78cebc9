package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/wesleyorama2/blkload/internal/bench/metrics"
)

func sampleSummary(missed uint64) metrics.Summary {
	return metrics.Summary{
		Target:      100000,
		IOPS:        99876,
		Mean:        42,
		Percentiles: []uint64{10, 20, 30, 40, 50, 60, 70, 80, 90, 95, 99},
		Max:         812,
		Missed:      missed,
	}
}

func TestColumns(t *testing.T) {
	want := "RqIOPS IOPS Avg 10th 20th 30th 40th 50th 60th 70th 80th 90th 95th 99th max missed"
	if got := strings.Join(Columns(), " "); got != want {
		t.Errorf("Columns() = %q, want %q", got, want)
	}
}

func TestConsole_HeaderAndRows(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf})

	c.Header()
	c.Row(sampleSummary(0))
	c.Row(sampleSummary(3))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "RqIOPS\tIOPS\tAvg\t10th") {
		t.Errorf("header = %q", lines[0])
	}
	if want := "100000\t99876\t42\t10\t20\t30\t40\t50\t60\t70\t80\t90\t95\t99\t812\t0"; lines[1] != want {
		t.Errorf("row = %q, want %q", lines[1], want)
	}
	if !strings.HasSuffix(lines[2], "\t812\t3") {
		t.Errorf("row with misses = %q", lines[2])
	}
	if strings.Contains(buf.String(), "\x1b[") {
		t.Error("non-terminal output should not be colored")
	}
}

func TestConsole_ForceColors(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, ForceColors: true})
	c.Row(sampleSummary(1))
	if !strings.Contains(buf.String(), "\x1b[") {
		t.Errorf("forced colors missing from %q", buf.String())
	}
}

func TestFormatRow(t *testing.T) {
	tests := []struct {
		name string
		s    metrics.Summary
		want int
	}{
		{"full ladder", sampleSummary(0), len(metrics.Ladder) + 5},
		{"no reads", metrics.Summary{Target: 5}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(FormatRow(tt.s)); got != tt.want {
				t.Errorf("len(FormatRow) = %d, want %d", got, tt.want)
			}
		})
	}
}
