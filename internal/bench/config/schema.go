// Package config loads, defaults and validates benchmark settings.
package config

import (
	"time"
)

const (
	// DefaultCapacityBytes is the namespace size assumed when none is given.
	DefaultCapacityBytes uint64 = 0x1749a956000

	// DefaultOutstanding is the per-worker request pool size.
	DefaultOutstanding = 32768

	// DefaultRequestSize is the payload size in bytes.
	DefaultRequestSize = 4096

	// DefaultDuration is the length of each warm-up, measure and drain window.
	DefaultDuration = time.Second
)

// BenchConfig is the root configuration for a run.
//
// Example YAML:
//
//	host: 10.0.0.2
//	port: 1234
//	threads: 4
//	targetIops: 100000
//	readPercent: 90
//	requestSize: 4096
//	sweep: true
//	rates: [1000, 10000, 50000]
//	duration: 1s
type BenchConfig struct {
	// Host is the IPv4 address of the block service.
	Host string `json:"host" yaml:"host"`

	// Port is the base port; worker i connects to Port+i.
	Port int `json:"port" yaml:"port"`

	// Threads is the number of workers, one connection each.
	Threads int `json:"threads" yaml:"threads"`

	// TargetIOPS is the aggregate rate when not sweeping.
	TargetIOPS uint64 `json:"targetIops,omitempty" yaml:"targetIops,omitempty"`

	// ReadPercent is the share of GET requests.
	ReadPercent int `json:"readPercent" yaml:"readPercent"`

	Sequential bool `json:"sequential,omitempty" yaml:"sequential,omitempty"`

	// Sweep runs every entry of Rates instead of TargetIOPS.
	Sweep bool `json:"sweep,omitempty" yaml:"sweep,omitempty"`

	// RequestSize is the payload size in bytes, a multiple of the sector size.
	RequestSize int `json:"requestSize" yaml:"requestSize"`

	// Precondition writes every block once and exits.
	Precondition bool `json:"precondition,omitempty" yaml:"precondition,omitempty"`

	// Rates overrides the built-in sweep ladder.
	Rates []uint64 `json:"rates,omitempty" yaml:"rates,omitempty"`

	Duration      Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	Outstanding   int      `json:"outstanding,omitempty" yaml:"outstanding,omitempty"`
	CapacityBytes uint64   `json:"capacityBytes,omitempty" yaml:"capacityBytes,omitempty"`
	StartDelay    Duration `json:"startDelay,omitempty" yaml:"startDelay,omitempty"`
	Seed          uint64   `json:"seed,omitempty" yaml:"seed,omitempty"`

	// Report is a path for the JSON run report.
	Report string `json:"report,omitempty" yaml:"report,omitempty"`

	// MetricsAddr serves Prometheus gauges when set.
	MetricsAddr string `json:"metricsAddr,omitempty" yaml:"metricsAddr,omitempty"`
}

// Duration is a time.Duration that can be unmarshaled from JSON/YAML strings.
type Duration time.Duration

// GetDuration returns the duration or a default if empty.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		*d = 0
		return nil
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}
