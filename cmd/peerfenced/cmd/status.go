package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/peerfence/peerfence/internal/daemon"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running instance",
	Long: `Query a running peerfenced over the read-only query socket.

Example:
  peerfenced status`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	var status daemon.Status
	if err := queryGet("/v1/status", &status); err != nil {
		return err
	}

	fmt.Printf("Peerfence Status\n")
	fmt.Printf("  State:           %s\n", status.State)
	fmt.Printf("  Device:          %s\n", status.Device)
	fmt.Printf("  Instance ID:     %s\n", status.InstanceID)
	fmt.Printf("  Hostname:        %s\n", status.Hostname)
	fmt.Printf("  Version:         %s\n", status.Version)
	fmt.Printf("  Started:         %s\n", status.StartedAt.Format(time.RFC3339))
	fmt.Printf("  Blocked:         %d\n", status.BlockedCount)
	fmt.Printf("  Packets passed:  %d\n", status.PacketsPassed)
	fmt.Printf("  Packets dropped: %d\n", status.PacketsDropped)
	fmt.Printf("  Control socket:  %s\n", status.ControlSocket)

	return nil
}

// queryGet performs a GET against the query socket and decodes the JSON
// response into out.
func queryGet(path string, out any) error {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", querySocketPath)
			},
		},
		Timeout: 10 * time.Second,
	}

	resp, err := client.Get("http://peerfence" + path)
	if err != nil {
		return fmt.Errorf("querying %s: %w", querySocketPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("query failed: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
