package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	pruneOlderThan time.Duration
	prunePolicy    string
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove stale deduplication records",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pruneOlderThan <= 0 {
			return fmt.Errorf("--older-than must be greater than zero")
		}

		removed, err := getApp().Prune(cmd.Context(), pruneOlderThan, prunePolicy)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d records\n", removed)
		return nil
	},
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 7*24*time.Hour, "Remove records last updated before now minus this duration")
	pruneCmd.Flags().StringVar(&prunePolicy, "policy", "", "Restrict pruning to one policy id")
}
