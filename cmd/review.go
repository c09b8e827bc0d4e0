package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmm-sh/dmm/internal/reviewer"
)

var reviewCmd = &cobra.Command{
	Use:   "review <proposal-id>",
	Short: "Run the automated reviewer on a proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		c := newClient(cfg)

		var result reviewer.Result
		if err := c.post("/review/process/"+args[0], nil, &result); err != nil {
			return err
		}
		if verbose {
			return printJSON(result)
		}
		fmt.Printf("Decision:   %s (confidence %.2f)\n", result.Decision, result.Confidence)
		for _, issue := range result.Issues {
			fmt.Printf("  [%s] %s: %s\n", issue.Severity, issue.Code, issue.Message)
		}
		for _, d := range result.Duplicates {
			fmt.Printf("  duplicate: %s (%s, %.2f, %s)\n", d.MemoryID, d.Path, d.Similarity, d.MatchType)
		}
		if result.Notes != "" {
			fmt.Printf("Notes: %s\n", result.Notes)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reviewCmd)
}
