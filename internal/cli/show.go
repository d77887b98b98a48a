package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var showLimit int

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent deduplication records",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		records, err := getApp().RecentRecords(cmd.Context(), showLimit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SYMBOL\tTYPE\tPOLICY\tRUNS\tLAST UPDATE")
		for _, rec := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				rec.TrackedSymbol, rec.SymbolType, rec.AlertPolicy,
				rec.ObservationCount, rec.LastUpdate.UTC().Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of records to display")
}
