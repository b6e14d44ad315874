package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/peerfence/peerfence/internal/daemon"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List blocked addresses on a running instance",
	Long: `List every blocked address with its drop counter and audit record.

Example:
  peerfenced list`,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	var resp struct {
		Count   int                   `json:"count"`
		Blocked []daemon.BlockedEntry `json:"blocked"`
	}
	if err := queryGet("/v1/blocked", &resp); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDR\tDROPS\tSOURCE\tREASON\tBLOCKED AT")
	for _, e := range resp.Blocked {
		blockedAt := ""
		if !e.BlockedAt.IsZero() {
			blockedAt = e.BlockedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", e.Addr, e.Drops, e.Source, e.Reason, blockedAt)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d blocked\n", resp.Count)
	return nil
}
