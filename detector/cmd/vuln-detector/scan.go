package main

import (
	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the inventory of every active agent once",
	RunE:  runScan,
}

func runScan(cmd *cobra.Command, args []string) error {
	e, err := newEngine(cmd.Context(), App())
	if err != nil {
		return err
	}
	defer e.Close()

	return e.Scanner.Scan(cmd.Context())
}

func init() {
	rootCmd.AddCommand(scanCmd)
}
