package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"peerdrop/config"
	"peerdrop/discovery"
)

var (
	flagRelay   string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "peerdrop",
	Short: "Peer-to-peer file drop over a direct data channel",
	Long: `peerdrop transfers files directly between two peers. Both sides meet
through a relay using a shared room code, negotiate a direct data channel,
and stream the files peer to peer in 64 KiB chunks.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRelay, "relay", "", "relay address (host:port); discovered via mDNS when empty")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
}

func newLogger() (*zap.Logger, error) {
	if flagVerbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

// resolveRelayAddress picks the relay from the flag, the config file, or an
// mDNS lookup, in that order.
func resolveRelayAddress(ctx context.Context, cfg *config.DeviceConfig) (string, error) {
	if flagRelay != "" {
		return flagRelay, nil
	}
	if cfg.RelayAddress != "" {
		return cfg.RelayAddress, nil
	}

	relay, err := discovery.LookupRelay(ctx, discovery.Config{})
	if err != nil {
		return "", fmt.Errorf("no relay configured and none found on the local network: %w", err)
	}
	fmt.Printf("Using relay %s (%s)\n", relay.Address, relay.Instance)
	return relay.Address, nil
}
