package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"peerdrop/config"
	"peerdrop/storage"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List received files",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all transfer history",
	Args:  cobra.NoArgs,
	RunE:  runHistoryClear,
}

func init() {
	historyCmd.AddCommand(historyClearCmd)
	rootCmd.AddCommand(historyCmd)
}

func openHistory() (*storage.History, error) {
	dataDir, err := config.ResolveDataDir()
	if err != nil {
		return nil, err
	}
	if err := config.EnsureDataDirectories(dataDir); err != nil {
		return nil, err
	}
	history, _, err := storage.OpenHistory(dataDir)
	return history, err
}

func runHistory(cmd *cobra.Command, args []string) error {
	history, err := openHistory()
	if err != nil {
		return err
	}
	defer history.Close()

	records, err := history.ListTransfers()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No transfers recorded")
		return nil
	}

	for _, record := range records {
		when := time.UnixMilli(record.ReceivedAt).Format("2006-01-02 15:04:05")
		location := record.StoredPath
		if !record.SavedDirectly {
			location = "(buffered in memory during session)"
		}
		fmt.Printf("%s  %-30s  %10d bytes  %s\n", when, record.Filename, record.Filesize, location)
	}
	return nil
}

func runHistoryClear(cmd *cobra.Command, args []string) error {
	history, err := openHistory()
	if err != nil {
		return err
	}
	defer history.Close()

	// Handles are only live while a receive session runs; nothing to revoke
	// from a separate process.
	if _, err := history.ClearTransfers(); err != nil {
		return err
	}
	fmt.Println("Cleared transfer history")
	return nil
}
