package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dmm-sh/dmm/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the memory daemon in the foreground",
	Long: `Starts the daemon: opens the index, watches the memory tree for
changes, and serves the query and write-back API over HTTP until
interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, paths, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d := daemon.New(cfg, paths)
		return d.Start(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
