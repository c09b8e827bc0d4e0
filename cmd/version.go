package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmm-sh/dmm/internal/daemon"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of dmm",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dmm %s\n", daemon.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
