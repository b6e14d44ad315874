package cmd

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/peerfence/peerfence/internal/config"
	"github.com/peerfence/peerfence/internal/daemon"
	"github.com/peerfence/peerfence/internal/store"
	"github.com/peerfence/peerfence/pkg/blockset"
)

var (
	configFile string
	device     string
	seedBlocks []string
	Version    = "dev"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Attach the firewall and start serving",
	Long: `Attach the XDP filter to a network device and start the firewall:
- Drops ingress packets from blocked IPv4 source addresses
- Accepts 4-byte block commands on a local unix socket
- Exposes a read-only query API for inspection

Examples:
  peerfenced start --device eth0
  peerfenced start --device eth0 --block 51.15.220.7 --block 95.217.203.43`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path")
	startCmd.Flags().StringVarP(&device, "device", "d", "", "network device to attach the firewall to")
	startCmd.Flags().StringArrayVarP(&seedBlocks, "block", "b", nil, "IPv4 address to block at startup (repeatable)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	// Flags win over config file and environment.
	if device != "" {
		cfg.Device = device
	}
	if cmd.Flags().Changed("socket") {
		cfg.Socket = socketPath
	}
	if cmd.Flags().Changed("query-socket") {
		cfg.QuerySocket = querySocketPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	seeds := make([]netip.Addr, 0, len(seedBlocks))
	for _, s := range seedBlocks {
		addr, err := blockset.ParseAddr(s)
		if err != nil {
			return fmt.Errorf("invalid --block value: %w", err)
		}
		seeds = append(seeds, addr)
	}

	logger := setupLogger(cfg.LogLevel)

	logger.Info().
		Str("version", Version).
		Str("device", cfg.Device).
		Str("socket", cfg.Socket).
		Int("seeds", len(seeds)).
		Msg("starting peerfence")

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
			return fmt.Errorf("creating data dir: %w", err)
		}
	}

	st, err := store.New(cfg.DBPath())
	if err != nil {
		return err
	}
	defer st.Close()

	server := daemon.NewServer(cfg, st, logger, Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Run(ctx, seeds)
}

func setupLogger(level string) zerolog.Logger {
	var lvl zerolog.Level
	switch level {
	case "trace":
		lvl = zerolog.TraceLevel
	case "debug":
		lvl = zerolog.DebugLevel
	case "info":
		lvl = zerolog.InfoLevel
	case "warn":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	default:
		lvl = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(lvl)

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("PRETTY") == "1" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}
