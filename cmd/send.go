package cmd

import (
	"errors"
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"peerdrop/transfer"
)

var sendCmd = &cobra.Command{
	Use:   "send <room-code> <file> [file...]",
	Short: "Send files to the peer in a room",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	roomCode := args[0]

	files := make([]transfer.File, 0, len(args)-1)
	for _, path := range args[1:] {
		file, err := transfer.OpenFile(path)
		if err != nil {
			return err
		}
		files = append(files, file)
	}

	bar := progressbar.Default(100, "sending")
	peer, err := connectPeer(cmd.Context(), roomCode, peerConfig{
		onSendProgress: func(pct int) {
			_ = bar.Set(pct)
		},
	})
	if err != nil {
		return err
	}
	defer peer.Close()

	fmt.Printf("Connected to peer in room %q\n", roomCode)

	if err := peer.Sender().SendFiles(files); err != nil {
		if errors.Is(err, transfer.ErrCancelled) {
			fmt.Println("\nTransfer cancelled")
			return nil
		}
		return err
	}
	_ = bar.Finish()
	fmt.Printf("\nSent %d file(s)\n", len(files))
	return nil
}
