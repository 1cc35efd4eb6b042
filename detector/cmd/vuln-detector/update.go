package main

import (
	"github.com/spf13/cobra"
)

var updateCmd = &cobra.Command{
	Use:   "update [target...]",
	Short: "Download and import the configured feeds",
	Long:  "Force an update of the given feed targets, or of every configured feed when none is given.",
	RunE:  runUpdate,
}

func runUpdate(cmd *cobra.Command, args []string) error {
	u, err := newUpdater(App())
	if err != nil {
		return err
	}
	return u.Update(cmd.Context(), args...)
}

func init() {
	rootCmd.AddCommand(updateCmd)
}
