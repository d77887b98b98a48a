package cli

import (
	"github.com/spf13/cobra"
)

var scanPolicy string

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one policy scan and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Scan(cmd.Context(), scanPolicy)
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanPolicy, "policy", "", "Run a single policy by id (default: all enabled)")
}
