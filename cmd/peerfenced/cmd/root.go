package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	socketPath      string
	querySocketPath string
)

var rootCmd = &cobra.Command{
	Use:   "peerfenced",
	Short: "Peerfence - XDP firewall for blockchain nodes",
	Long: `Peerfence drops traffic from blocked peers at the network device,
before it ever reaches the node.

Run 'peerfenced start' to attach the firewall to a device, then use
'block', 'status' and 'list' against the running instance.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/tmp/peerfence.sock", "control socket path")
	rootCmd.PersistentFlags().StringVar(&querySocketPath, "query-socket", "/tmp/peerfence_query.sock", "query socket path")
}
