package cmd

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/peerfence/peerfence/pkg/blockset"
)

var blockCmd = &cobra.Command{
	Use:   "block <ip> [<ip>...]",
	Short: "Block one or more IPv4 addresses on a running instance",
	Long: `Send block commands to a running peerfenced over the control socket.
Each address is written as a single 4-byte command in network byte order.

Example:
  peerfenced block 51.15.220.7 95.217.203.43`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBlock,
}

func init() {
	rootCmd.AddCommand(blockCmd)
}

func runBlock(cmd *cobra.Command, args []string) error {
	// Parse everything before writing anything: either the whole command
	// line is applied or none of it is.
	cmds := make([][4]byte, 0, len(args))
	for _, arg := range args {
		addr, err := blockset.ParseAddr(arg)
		if err != nil {
			return err
		}
		cmds = append(cmds, addr.As4())
	}

	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	defer conn.Close()

	for i, c := range cmds {
		if _, err := conn.Write(c[:]); err != nil {
			return fmt.Errorf("sending block command: %w", err)
		}
		fmt.Printf("Blocked %s\n", args[i])
	}
	return nil
}
