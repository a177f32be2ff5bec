package cmd

import (
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"peerdrop/config"
	"peerdrop/discovery"
	sig "peerdrop/signal"
)

var flagRelayListen string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the rendezvous relay",
	Long: `Runs the relay that pairs two peers by room code and forwards their
negotiation envelopes. The relay announces itself on the local network so
clients on the same LAN need no --relay flag.`,
	RunE: runRelay,
}

func init() {
	relayCmd.Flags().StringVar(&flagRelayListen, "listen", fmt.Sprintf(":%d", config.DefaultRelayPort), "listen address")
	rootCmd.AddCommand(relayCmd)
}

func runRelay(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	server, err := sig.ListenRelay(flagRelayListen, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = server.Close()
	}()
	fmt.Printf("Relay listening on %s\n", server.Addr())

	var announcer *discovery.Announcer
	if port := listenPort(server.Addr()); port > 0 {
		hostname := "peerdrop-relay"
		announcer, err = discovery.Announce(discovery.Config{
			InstanceName: hostname,
			RelayPort:    port,
		})
		if err != nil {
			fmt.Printf("LAN announcement unavailable: %v\n", err)
		} else {
			defer announcer.Stop()
			fmt.Println("Announced on the local network")
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	fmt.Println("Shutting down relay")
	return nil
}

func listenPort(addr net.Addr) int {
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
