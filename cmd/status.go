package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and index status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		c := newClient(cfg)

		var status map[string]any
		if err := c.get("/status", &status); err != nil {
			return err
		}
		if verbose {
			return printJSON(status)
		}
		fmt.Printf("State:    %v\n", status["state"])
		fmt.Printf("PID:      %v\n", status["pid"])
		fmt.Printf("Version:  %v\n", status["version"])
		fmt.Printf("Uptime:   %vs\n", status["uptime_seconds"])
		fmt.Printf("Memories: %v\n", status["indexed_count"])
		fmt.Printf("Baseline: %v files, %v tokens\n", status["baseline_files"], status["baseline_tokens"])
		fmt.Printf("Watcher:  %v\n", status["watcher_active"])
		fmt.Printf("Embedder: %v\n", status["embedder"])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
