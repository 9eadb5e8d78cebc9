// Package output prints phase results as a tab-separated table.
package output

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/wesleyorama2/blkload/internal/bench/metrics"
)

// ConsoleConfig contains configuration for Console.
type ConsoleConfig struct {
	Writer io.Writer

	// ForceColors colors output even when Writer is not a terminal.
	ForceColors bool

	// NoColor disables colors unconditionally.
	NoColor bool
}

// Console writes the column header and one row per phase. It implements
// sweep.Sink.
type Console struct {
	mu sync.Mutex
	w  io.Writer

	header *color.Color
	value  *color.Color
	warn   *color.Color
}

// NewConsole creates a console sink.
func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	c := &Console{
		w:      cfg.Writer,
		header: color.New(color.FgCyan, color.Bold),
		value:  color.New(color.FgWhite),
		warn:   color.New(color.FgRed, color.Bold),
	}

	useColors := !cfg.NoColor && (cfg.ForceColors || (isTerminal(cfg.Writer) && os.Getenv("NO_COLOR") == ""))
	for _, col := range []*color.Color{c.header, c.value, c.warn} {
		if useColors {
			col.EnableColor()
		} else {
			col.DisableColor()
		}
	}
	return c
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Columns returns the table column names.
func Columns() []string {
	cols := []string{"RqIOPS", "IOPS", "Avg"}
	for _, p := range metrics.Ladder {
		cols = append(cols, ordinal(p))
	}
	return append(cols, "max", "missed")
}

func ordinal(p int) string {
	return strconv.Itoa(p) + "th"
}

// Header implements sweep.Sink.
func (c *Console) Header() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.header.Fprintln(c.w, strings.Join(Columns(), "\t"))
}

// Row implements sweep.Sink.
func (c *Console) Row(s metrics.Summary) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fields := FormatRow(s)
	last := len(fields) - 1
	c.value.Fprint(c.w, strings.Join(fields[:last], "\t")+"\t")
	if s.Missed > 0 {
		c.warn.Fprintln(c.w, fields[last])
	} else {
		c.value.Fprintln(c.w, fields[last])
	}
}

// FormatRow renders a summary in column order. Latencies are in
// microseconds.
func FormatRow(s metrics.Summary) []string {
	out := make([]string, 0, len(metrics.Ladder)+5)
	out = append(out, fmt.Sprint(s.Target), fmt.Sprint(s.IOPS), fmt.Sprint(s.Mean))
	for _, v := range s.Percentiles {
		out = append(out, fmt.Sprint(v))
	}
	return append(out, fmt.Sprint(s.Max), fmt.Sprint(s.Missed))
}
