package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/blkload/internal/bench/config"
	"github.com/wesleyorama2/blkload/internal/bench/output"
	"github.com/wesleyorama2/blkload/internal/bench/report"
	"github.com/wesleyorama2/blkload/internal/bench/sweep"
	"github.com/wesleyorama2/blkload/internal/bench/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run [IP PORT SEQUENTIAL NUM_THREADS REQ/s READ_PERCENTAGE SWEEP REQ_SIZE PRECONDITION]",
	Short: "Run a rate sweep or precondition pass against a block service",
	Long: `Run paced GET/SET load against a block service, one connection per worker
on consecutive ports starting at the base port.

Config file mode:
  blkload run --config bench.yaml

Flag mode:
  blkload run --host 10.0.0.2 --port 1234 --threads 4 --rate 200000 \
    --read-pct 90 --request-size 4096

Positional mode:
  blkload run 10.0.0.2 1234 0 4 200000 90 1 4096 0`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 9 {
			return config.ErrUsage
		}
		return nil
	},
	RunE: runBench,
}

func runBench(cmd *cobra.Command, args []string) error {
	cfg, err := buildBenchConfig(cmd, args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	noColor, _ := cmd.Flags().GetBool("no-color")
	var sink sweep.Sink = output.NewConsole(output.ConsoleConfig{
		Writer:  cmd.OutOrStdout(),
		NoColor: noColor,
	})

	logger := slog.Default()
	metricsErr := make(chan error, 1)
	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()
	if cfg.MetricsAddr != "" {
		exp := telemetry.New(sink)
		sink = exp
		go func() { metricsErr <- exp.Serve(metricsCtx, cfg.MetricsAddr, logger) }()
	}

	opts := cfg.Options()
	opts.Sink = sink
	opts.Logger = logger
	eng, err := sweep.NewEngine(opts)
	if err != nil {
		return fmt.Errorf("error creating engine: %w", err)
	}

	logger.Info("starting run",
		"host", cfg.Host, "port", cfg.Port, "threads", cfg.Threads,
		"phases", len(eng.Steps()), "precondition", cfg.Precondition)
	res, runErr := eng.Run(ctx)

	if cfg.Report != "" {
		if err := report.Build(cfg, res, runErr).WriteFile(cfg.Report); err != nil {
			logger.Error("report not written", "path", cfg.Report, "error", err)
		} else {
			logger.Info("report written", "path", cfg.Report)
		}
	}

	if cfg.MetricsAddr != "" {
		stopMetrics()
		if err := <-metricsErr; err != nil {
			logger.Warn("metrics endpoint", "error", err)
		}
	}
	return runErr
}

// buildBenchConfig merges, in increasing precedence, the config file, the
// positional arguments and explicitly set flags, then applies defaults and
// validates the result.
func buildBenchConfig(cmd *cobra.Command, args []string) (*config.BenchConfig, error) {
	cfg := &config.BenchConfig{}
	flags := cmd.Flags()

	if path, _ := flags.GetString("config"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		cfg = loaded
	}
	if len(args) > 0 {
		legacy, err := config.ParseLegacyArgs(args)
		if err != nil {
			return nil, err
		}
		mergeLegacy(cfg, legacy)
	}

	if flags.Changed("host") {
		cfg.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("threads") {
		cfg.Threads, _ = flags.GetInt("threads")
	}
	if flags.Changed("rate") {
		cfg.TargetIOPS, _ = flags.GetUint64("rate")
	}
	if flags.Changed("read-pct") {
		cfg.ReadPercent, _ = flags.GetInt("read-pct")
	}
	if flags.Changed("sequential") {
		cfg.Sequential, _ = flags.GetBool("sequential")
	}
	if flags.Changed("sweep") {
		cfg.Sweep, _ = flags.GetBool("sweep")
	}
	if flags.Changed("request-size") {
		cfg.RequestSize, _ = flags.GetInt("request-size")
	}
	if flags.Changed("precondition") {
		cfg.Precondition, _ = flags.GetBool("precondition")
	}
	if flags.Changed("rates") {
		rates, _ := flags.GetUintSlice("rates")
		cfg.Rates = cfg.Rates[:0]
		for _, r := range rates {
			cfg.Rates = append(cfg.Rates, uint64(r))
		}
	}
	if flags.Changed("duration") {
		d, _ := flags.GetDuration("duration")
		cfg.Duration = config.Duration(d)
	}
	if flags.Changed("outstanding") {
		cfg.Outstanding, _ = flags.GetInt("outstanding")
	}
	if flags.Changed("capacity") {
		cfg.CapacityBytes, _ = flags.GetUint64("capacity")
	}
	if flags.Changed("start-delay") {
		d, _ := flags.GetDuration("start-delay")
		cfg.StartDelay = config.Duration(d)
	}
	if flags.Changed("seed") {
		cfg.Seed, _ = flags.GetUint64("seed")
	}
	if flags.Changed("report") {
		cfg.Report, _ = flags.GetString("report")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}

	config.ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeLegacy copies the positional fields over cfg.
func mergeLegacy(cfg, legacy *config.BenchConfig) {
	cfg.Host = legacy.Host
	cfg.Port = legacy.Port
	cfg.Sequential = legacy.Sequential
	cfg.Threads = legacy.Threads
	cfg.TargetIOPS = legacy.TargetIOPS
	cfg.ReadPercent = legacy.ReadPercent
	cfg.Sweep = legacy.Sweep
	cfg.RequestSize = legacy.RequestSize
	cfg.Precondition = legacy.Precondition
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("config", "c", "", "Configuration file (YAML)")
	f.String("host", "", "IPv4 address of the block service")
	f.Int("port", 0, "Base port; worker i connects to port+i")
	f.Int("threads", 1, "Number of workers, one connection each")
	f.Uint64("rate", 0, "Aggregate target IOPS when not sweeping")
	f.Int("read-pct", 0, "Percentage of GET requests")
	f.Bool("sequential", false, "Walk addresses sequentially instead of at random")
	f.Bool("sweep", false, "Run the rate ladder instead of a single rate")
	f.Int("request-size", config.DefaultRequestSize, "Request size in bytes, a multiple of 512")
	f.Bool("precondition", false, "Write every block of the device once")
	f.UintSlice("rates", nil, "Rate ladder for --sweep (default built-in ladder)")
	f.Duration("duration", config.DefaultDuration, "Length of each warm-up, measure and drain window")
	f.Int("outstanding", config.DefaultOutstanding, "Per-worker request pool size")
	f.Uint64("capacity", config.DefaultCapacityBytes, "Device capacity in bytes")
	f.Duration("start-delay", 0, "Pause after connecting before the first phase")
	f.Uint64("seed", 0, "Random seed for addresses and opcode mix")
	f.String("report", "", "Write a JSON report to this file")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	f.Bool("no-color", false, "Disable colored output")
}

func init() {
	addRunFlags(runCmd)
}
