package config

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/shirou/gopsutil/cpu"

	"github.com/wesleyorama2/blkload/internal/bench/pacer"
	"github.com/wesleyorama2/blkload/internal/bench/protocol"
	"github.com/wesleyorama2/blkload/internal/bench/sweep"
	"github.com/wesleyorama2/blkload/internal/bench/transport"
)

// logicalCPUs is replaced in tests.
var logicalCPUs = func() (int, error) { return cpu.Counts(true) }

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// PhaseRates returns the aggregate target rate of every phase in run order.
func (c *BenchConfig) PhaseRates() []uint64 {
	switch {
	case c.Precondition || !c.Sweep:
		return []uint64{c.TargetIOPS}
	case len(c.Rates) > 0:
		return c.Rates
	default:
		return sweep.DefaultRates
	}
}

// Validate checks the configuration after defaults have been applied.
//
// Returns nil if valid, or a ValidationErrors containing all validation errors.
func (c *BenchConfig) Validate() error {
	errs := &ValidationErrors{}

	if ip := net.ParseIP(c.Host); ip == nil || ip.To4() == nil {
		errs.Add("host", fmt.Sprintf("bad IP address '%s'", c.Host))
	}
	if c.Port < 1 || c.Port+c.Threads-1 > 65535 {
		errs.Add("port", fmt.Sprintf("ports %d..%d out of range", c.Port, c.Port+c.Threads-1))
	}

	if c.Threads < 1 {
		errs.Add("threads", "must be at least 1")
	} else if n, err := logicalCPUs(); err != nil {
		errs.Add("threads", fmt.Sprintf("cannot count CPUs: %v", err))
	} else if c.Threads > n {
		errs.Add("threads", fmt.Sprintf("%d workers exceed %d CPUs", c.Threads, n))
	}

	if c.ReadPercent < 0 || c.ReadPercent > 100 {
		errs.Add("readPercent", fmt.Sprintf("%d is outside [0, 100]", c.ReadPercent))
	}
	if c.RequestSize < protocol.SectorSize || c.RequestSize%protocol.SectorSize != 0 {
		errs.Add("requestSize", fmt.Sprintf("%d is not a positive multiple of the %d byte sector", c.RequestSize, protocol.SectorSize))
	}
	if c.Outstanding < 1 {
		errs.Add("outstanding", "must be at least 1")
	}
	if c.CapacityBytes < uint64(max(c.RequestSize, protocol.SectorSize)) {
		errs.Add("capacityBytes", "smaller than one request")
	}

	d := c.Duration.GetDuration(DefaultDuration)
	if d <= 0 {
		errs.Add("duration", "must be positive")
	}
	if c.StartDelay < 0 {
		errs.Add("startDelay", "must not be negative")
	}

	if !errs.HasErrors() {
		c.validateRates(d, errs)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// validateRates checks the per-worker window of every phase and, for
// sequential runs, that the cursor never leaves the device.
func (c *BenchConfig) validateRates(d time.Duration, errs *ValidationErrors) {
	blocks := uint64(c.RequestSize / protocol.SectorSize)
	capBlocks := c.CapacityBytes / protocol.SectorSize

	if c.Precondition {
		if c.TargetIOPS == 0 {
			errs.Add("targetIops", "must be positive")
		}
		return
	}

	var consumed uint64
	for i, rate := range c.PhaseRates() {
		field := "targetIops"
		if c.Sweep {
			field = fmt.Sprintf("rates[%d]", i)
		}
		n := sweep.WindowSize(rate, d, c.Threads)
		switch {
		case rate == 0:
			errs.Add(field, "must be positive")
		case n == 0:
			errs.Add(field, fmt.Sprintf("rate %d leaves no requests per worker in %s", rate, d))
		case n > sweep.MaxMeasure:
			errs.Add(field, fmt.Sprintf("rate %d needs %d requests per worker, above %d", rate, n, sweep.MaxMeasure))
		}
		consumed += 3 * n * blocks
	}
	if c.Sequential && consumed > capBlocks {
		errs.Add("sequential", fmt.Sprintf("run addresses %d blocks per worker, device has %d", consumed, capBlocks))
	}
}

// Options converts a validated configuration into engine options.
// The caller sets Sink and may replace Dialer and Logger.
func (c *BenchConfig) Options() sweep.Options {
	return sweep.Options{
		Host:     c.Host,
		BasePort: c.Port,
		Threads:  c.Threads,
		Workload: pacer.Workload{
			ReadPercent:    c.ReadPercent,
			Sequential:     c.Sequential || c.Precondition,
			Precondition:   c.Precondition,
			Blocks:         uint32(c.RequestSize / protocol.SectorSize),
			CapacityBlocks: c.CapacityBytes / protocol.SectorSize,
		},
		Rates:       c.PhaseRates(),
		Duration:    c.Duration.GetDuration(DefaultDuration),
		Outstanding: c.Outstanding,
		StartDelay:  time.Duration(c.StartDelay),
		Seed:        c.Seed,
		Dialer:      &transport.TCPDialer{Config: transport.DefaultTCPConfig()},
		Logger:      slog.Default(),
	}
}
