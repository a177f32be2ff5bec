package cmd

import (
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"peerdrop/config"
	"peerdrop/storage"
	"peerdrop/transfer"
)

var (
	flagReceiveDir string
	flagBuffer     bool
)

var receiveCmd = &cobra.Command{
	Use:   "receive <room-code>",
	Short: "Receive files from the peer in a room",
	Long: `receive joins a room and accepts incoming files. Files stream
straight to the downloads directory; with --buffer they are assembled in
memory instead and kept behind an object handle until the session ends.`,
	Args: cobra.ExactArgs(1),
	RunE: runReceive,
}

func init() {
	receiveCmd.Flags().StringVar(&flagReceiveDir, "dir", "", "directory to save files into (default: configured downloads dir)")
	receiveCmd.Flags().BoolVar(&flagBuffer, "buffer", false, "assemble files in memory instead of streaming to disk")
	rootCmd.AddCommand(receiveCmd)
}

// receiveProvider picks disk streaming or in-memory assembly. The --buffer
// flag and the stream-to-disk config switch both force buffering; otherwise
// files stream into the chosen directory.
func receiveProvider(cfg *config.DeviceConfig, buffer bool, dir string) (storage.TargetProvider, error) {
	if buffer || !cfg.StreamToDisk {
		return nil, nil
	}
	if dir == "" {
		dir = cfg.DownloadsDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download directory: %w", err)
	}
	return storage.DirProvider{Dir: dir}, nil
}

func runReceive(cmd *cobra.Command, args []string) error {
	roomCode := args[0]

	cfg, _, err := config.LoadOrCreate()
	if err != nil {
		return err
	}

	provider, err := receiveProvider(cfg, flagBuffer, flagReceiveDir)
	if err != nil {
		return err
	}

	dataDir, err := config.ResolveDataDir()
	if err != nil {
		return err
	}
	history, _, err := storage.OpenHistory(dataDir)
	if err != nil {
		return err
	}
	defer history.Close()

	bar := progressbar.Default(100, "receiving")
	done := make(chan struct{}, 1)
	ready := make(chan struct{})

	var peerRef *peer
	peerRef, err = connectPeer(cmd.Context(), roomCode, peerConfig{
		provider: provider,
		history:  history,
		onReceiveProgress: func(pct int) {
			_ = bar.Set(pct)
		},
		onPending: func(meta transfer.FileMetadata) {
			// The CLI has no separate confirm prompt; accept right away.
			<-ready
			if err := peerRef.Receiver().AcceptAndSaveFile(meta.ID); err != nil {
				fmt.Fprintf(os.Stderr, "accept %s: %v\n", meta.Name, err)
			}
		},
		onCompleted: func(record transfer.CompletedTransfer) {
			if record.SavedDirectly {
				fmt.Printf("\nSaved %s (%d bytes) to %s\n", record.Name, record.Size, record.Path)
			} else {
				fmt.Printf("\nBuffered %s (%d bytes), handle %s\n", record.Name, record.Size, record.Handle)
			}
		},
		onReceiveStatus: func(status transfer.Status) {
			if status == transfer.StatusIdle {
				select {
				case done <- struct{}{}:
				default:
				}
			}
		},
	})
	if err != nil {
		return err
	}
	close(ready)
	defer peerRef.Close()

	fmt.Printf("Connected to peer in room %q, waiting for files\n", roomCode)

	select {
	case <-done:
	case <-cmd.Context().Done():
		peerRef.endpoint.Cancel()
		return cmd.Context().Err()
	}
	_ = bar.Finish()

	completed := peerRef.Receiver().Completed()
	fmt.Printf("Received %d file(s)\n", len(completed))
	return nil
}
