package cli

import (
	"github.com/spf13/cobra"

	"github.com/wesleyorama2/blkload/internal/bench/report"
)

var compareCmd = &cobra.Command{
	Use:   "compare BASELINE CURRENT",
	Short: "Compare two JSON run reports phase by phase",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		deltas, err := report.CompareFiles(args[0], args[1])
		if err != nil {
			return err
		}
		return report.WriteDeltas(cmd.OutOrStdout(), deltas)
	},
}
