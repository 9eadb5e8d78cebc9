package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/blkload/internal/bench/sweep"
)

func withCPUs(t *testing.T, n int) {
	t.Helper()
	prev := logicalCPUs
	logicalCPUs = func() (int, error) { return n, nil }
	t.Cleanup(func() { logicalCPUs = prev })
}

func validConfig() *BenchConfig {
	cfg := &BenchConfig{
		Host:        "10.0.0.2",
		Port:        1234,
		Threads:     2,
		TargetIOPS:  100000,
		ReadPercent: 90,
		RequestSize: 4096,
	}
	ApplyDefaults(cfg)
	return cfg
}

func TestParseDurationString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{name: "standard seconds", input: "30s", expected: 30 * time.Second},
		{name: "milliseconds", input: "500ms", expected: 500 * time.Millisecond},
		{name: "integer as seconds", input: "2", expected: 2 * time.Second},
		{name: "empty string", input: "", expected: 0},
		{name: "invalid format", input: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDurationString(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseDurationString(%q) expected error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDurationString(%q) error: %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("ParseDurationString(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseConfig_YAML(t *testing.T) {
	data := []byte(`
host: 10.0.0.2
port: 9000
threads: 4
readPercent: 70
requestSize: 4096
sweep: true
rates: [1000, 20000]
duration: 2s
startDelay: 500ms
`)
	cfg, err := ParseConfig(data)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.2", cfg.Host)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 4, cfg.Threads)
	assert.True(t, cfg.Sweep)
	assert.Equal(t, []uint64{1000, 20000}, cfg.Rates)
	assert.Equal(t, Duration(2*time.Second), cfg.Duration)
	assert.Equal(t, Duration(500*time.Millisecond), cfg.StartDelay)
	assert.Zero(t, cfg.Outstanding, "defaults are applied separately")
}

func TestParseConfig_SchemaRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown field", "host: 1.2.3.4\nthreds: 4\n"},
		{"read percent above range", "readPercent: 101\n"},
		{"wrong type", "threads: many\n"},
		{"empty rate list", "rates: []\n"},
		{"port out of range", "port: 70000\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.data))
			assert.ErrorContains(t, err, "schema")
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host: 127.0.0.1\nport: 5000\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Port)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseLegacyArgs(t *testing.T) {
	cfg, err := ParseLegacyArgs([]string{"10.1.1.1", "1234", "1", "4", "200000", "75", "0", "4096", "0"})
	require.NoError(t, err)
	assert.Equal(t, &BenchConfig{
		Host:        "10.1.1.1",
		Port:        1234,
		Sequential:  true,
		Threads:     4,
		TargetIOPS:  200000,
		ReadPercent: 75,
		RequestSize: 4096,
	}, cfg)

	_, err = ParseLegacyArgs([]string{"10.1.1.1", "1234"})
	assert.ErrorIs(t, err, ErrUsage)

	_, err = ParseLegacyArgs([]string{"10.1.1.1", "port", "1", "4", "200000", "75", "0", "4096", "0"})
	assert.ErrorIs(t, err, ErrUsage)
}

func TestApplyDefaults(t *testing.T) {
	cfg := &BenchConfig{}
	ApplyDefaults(cfg)
	assert.Equal(t, Duration(time.Second), cfg.Duration)
	assert.Equal(t, DefaultOutstanding, cfg.Outstanding)
	assert.Equal(t, DefaultCapacityBytes, cfg.CapacityBytes)
	assert.Equal(t, 1, cfg.Threads)
	assert.Equal(t, DefaultRequestSize, cfg.RequestSize)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *BenchConfig)
		field  string
	}{
		{"valid", func(c *BenchConfig) {}, ""},
		{"malformed ip", func(c *BenchConfig) { c.Host = "10.0.0" }, "host"},
		{"ipv6 rejected", func(c *BenchConfig) { c.Host = "::1" }, "host"},
		{"too many threads", func(c *BenchConfig) { c.Threads = 9 }, "threads"},
		{"read percent", func(c *BenchConfig) { c.ReadPercent = -1 }, "readPercent"},
		{"unaligned request", func(c *BenchConfig) { c.RequestSize = 1000 }, "requestSize"},
		{"window too large", func(c *BenchConfig) { c.TargetIOPS = 2_000_000 }, "targetIops"},
		{"empty window", func(c *BenchConfig) { c.TargetIOPS = 1 }, "targetIops"},
		{"sweep ladder entry", func(c *BenchConfig) {
			c.Sweep = true
			c.Rates = []uint64{1000, 5_000_000}
		}, "rates[1]"},
		{"sequential past device", func(c *BenchConfig) {
			c.Sequential = true
			c.CapacityBytes = 1 << 20
		}, "sequential"},
		{"precondition ignores window limit", func(c *BenchConfig) {
			c.Precondition = true
			c.TargetIOPS = 5_000_000
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withCPUs(t, 8)
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var verrs *ValidationErrors
			require.True(t, errors.As(err, &verrs), "got %v", err)
			var fields []string
			for _, e := range verrs.Errors {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	errs := &ValidationErrors{}
	assert.Equal(t, "no validation errors", errs.Error())

	errs.Add("host", "bad")
	assert.Equal(t, "validation error on field 'host': bad", errs.Error())

	errs.Add("", "worse")
	assert.Equal(t, "2 validation errors:\n  1. validation error on field 'host': bad\n  2. validation error: worse\n", errs.Error())
}

func TestOptions(t *testing.T) {
	cfg := validConfig()
	cfg.Sweep = true
	opts := cfg.Options()

	assert.Equal(t, sweep.DefaultRates, opts.Rates)
	assert.Equal(t, uint32(8), opts.Workload.Blocks)
	assert.Equal(t, DefaultCapacityBytes/512, opts.Workload.CapacityBlocks)
	assert.Equal(t, 1234, opts.BasePort)
	assert.NotNil(t, opts.Dialer)

	cfg.Precondition = true
	opts = cfg.Options()
	assert.Equal(t, []uint64{cfg.TargetIOPS}, opts.Rates)
	assert.True(t, opts.Workload.Sequential)
}
