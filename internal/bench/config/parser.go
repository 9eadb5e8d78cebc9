package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

// ErrUsage is returned for a malformed positional argument list.
var ErrUsage = errors.New("usage: IP PORT SEQUENTIAL NUM_THREADS REQ/s READ_PERCENTAGE SWEEP REQ_SIZE PRECONDITION")

var compiledSchema *jsonschema.Schema

func schema() (*jsonschema.Schema, error) {
	if compiledSchema != nil {
		return compiledSchema, nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	s, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	compiledSchema = s
	return s, nil
}

// LoadConfig reads a YAML (or JSON) configuration file.
func LoadConfig(path string) (*BenchConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig checks data against the embedded JSON schema and decodes it.
// Defaults are not applied.
func ParseConfig(data []byte) (*BenchConfig, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}

	// Round-trip through JSON so the validator sees JSON value types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	var inst interface{}
	if err := json.Unmarshal(raw, &inst); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	s, err := schema()
	if err != nil {
		return nil, err
	}
	if err := s.Validate(inst); err != nil {
		return nil, fmt.Errorf("config does not match schema: %w", err)
	}

	var cfg BenchConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return &cfg, nil
}

// ParseLegacyArgs fills a config from the nine positional arguments
// IP PORT SEQUENTIAL NUM_THREADS REQ/s READ_PERCENTAGE SWEEP REQ_SIZE
// PRECONDITION. Flags are integers where non-zero means true.
func ParseLegacyArgs(args []string) (*BenchConfig, error) {
	if len(args) != 9 {
		return nil, ErrUsage
	}

	ints := make([]uint64, 9)
	for i := 1; i < len(args); i++ {
		v, err := strconv.ParseUint(args[i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d %q: %w", ErrUsage, i+1, args[i], err)
		}
		ints[i] = v
	}

	return &BenchConfig{
		Host:         args[0],
		Port:         int(ints[1]),
		Sequential:   ints[2] != 0,
		Threads:      int(ints[3]),
		TargetIOPS:   ints[4],
		ReadPercent:  int(ints[5]),
		Sweep:        ints[6] != 0,
		RequestSize:  int(ints[7]),
		Precondition: ints[8] != 0,
	}, nil
}

// ApplyDefaults fills unset fields.
func ApplyDefaults(cfg *BenchConfig) {
	if cfg.Duration == 0 {
		cfg.Duration = Duration(DefaultDuration)
	}
	if cfg.Outstanding == 0 {
		cfg.Outstanding = DefaultOutstanding
	}
	if cfg.CapacityBytes == 0 {
		cfg.CapacityBytes = DefaultCapacityBytes
	}
	if cfg.Threads == 0 {
		cfg.Threads = 1
	}
	if cfg.RequestSize == 0 {
		cfg.RequestSize = DefaultRequestSize
	}
}

// ParseDurationString parses a duration string with support for common formats.
//
// Supported formats:
//   - Standard Go duration: "30s", "2m", "1h30m", "500ms"
//   - Seconds as integer: "30" (treated as 30 seconds)
func ParseDurationString(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	if seconds, err := strconv.Atoi(s); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	return 0, fmt.Errorf("invalid duration format: %s", s)
}
