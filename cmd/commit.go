package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmm-sh/dmm/internal/commit"
)

var commitCmd = &cobra.Command{
	Use:   "commit <proposal-id>",
	Short: "Apply an approved proposal to the memory tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		c := newClient(cfg)

		var res commit.Result
		if err := c.post("/commit/"+args[0], nil, &res); err != nil {
			return err
		}
		if verbose {
			return printJSON(res)
		}
		if res.Success {
			fmt.Printf("Committed %s (%dms commit, %dms reindex)\n",
				res.MemoryPath, res.CommitDurationMS, res.ReindexDurationMS)
			if res.Error != "" {
				fmt.Printf("Warning: %s\n", res.Error)
			}
			return nil
		}
		fmt.Printf("Commit failed: %s\n", res.Error)
		if res.RollbackPerformed {
			fmt.Printf("Rollback performed (success=%v)\n", res.RollbackSuccess)
		}
		return fmt.Errorf("commit failed")
	},
}

func init() {
	rootCmd.AddCommand(commitCmd)
}
