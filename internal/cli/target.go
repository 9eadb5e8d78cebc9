package cli

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/blkload/internal/bench/protocol"
	"github.com/wesleyorama2/blkload/internal/bench/target"
)

var targetCmd = &cobra.Command{
	Use:   "target",
	Short: "Serve the block protocol with a zero-filled, write-discarding responder",
	Long: `Start a minimal block service for smoke tests. It listens on --ports
consecutive ports from --port, answers GET with zeroes and discards SET
payloads. It does not store data.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := targetConfig(cmd)
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return target.New(cfg, slog.Default()).ListenAndServe(ctx)
	},
}

func targetConfig(cmd *cobra.Command) target.Config {
	f := cmd.Flags()
	var cfg target.Config
	cfg.Host, _ = f.GetString("host")
	cfg.BasePort, _ = f.GetInt("port")
	cfg.Ports, _ = f.GetInt("ports")
	capacity, _ := f.GetUint64("capacity")
	cfg.CapacityBlocks = capacity / protocol.SectorSize
	maxBlocks, _ := f.GetUint32("max-blocks")
	cfg.MaxBlocks = maxBlocks
	cfg.Delay, _ = f.GetDuration("delay")
	cfg.Jitter, _ = f.GetDuration("jitter")
	return cfg
}

func init() {
	f := targetCmd.Flags()
	f.String("host", "0.0.0.0", "Address to listen on")
	f.Int("port", 1234, "First port")
	f.Int("ports", 1, "Number of consecutive ports")
	f.Uint64("capacity", 0, "Reject requests past this many bytes (0 accepts any address)")
	f.Uint32("max-blocks", 256, "Largest accepted request in sectors")
	f.Duration("delay", 0, "Fixed delay added to every response")
	f.Duration("jitter", 0, "Random extra delay up to this bound")
}
