package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	proposeType     string
	proposePath     string
	proposeFile     string
	proposeStdin    bool
	proposeReason   string
	proposeMemoryID string
	proposeNewScope string
	proposeBy       string
)

var proposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Submit a write proposal to the review queue",
	Long: `Queues a memory change for review. Content for create and update
proposals comes from --file or --stdin; deprecate and promote operate on
an existing memory and need neither.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		var content string
		switch {
		case proposeFile != "":
			raw, err := os.ReadFile(proposeFile)
			if err != nil {
				return fmt.Errorf("reading %s: %w", proposeFile, err)
			}
			content = string(raw)
		case proposeStdin:
			raw, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}
			content = string(raw)
		}

		c := newClient(cfg)
		req := map[string]any{
			"type":        proposeType,
			"target_path": proposePath,
			"content":     content,
			"reason":      proposeReason,
			"memory_id":   proposeMemoryID,
			"new_scope":   proposeNewScope,
			"proposed_by": proposeBy,
		}
		var p struct {
			ProposalID       string   `json:"proposal_id"`
			Status           string   `json:"status"`
			PrecheckPassed   bool     `json:"precheck_passed"`
			PrecheckWarnings []string `json:"precheck_warnings"`
			PrecheckErrors   []string `json:"precheck_errors"`
		}
		if err := c.post("/write/propose", req, &p); err != nil {
			return err
		}
		fmt.Printf("Proposal %s queued (%s)\n", p.ProposalID, p.Status)
		for _, w := range p.PrecheckWarnings {
			fmt.Printf("  warning: %s\n", w)
		}
		for _, e := range p.PrecheckErrors {
			fmt.Printf("  error: %s\n", e)
		}
		if !p.PrecheckPassed {
			fmt.Println("Precheck failed; the reviewer will likely reject this proposal.")
		}
		return nil
	},
}

func init() {
	proposeCmd.Flags().StringVar(&proposeType, "type", "create", "proposal type (create|update|deprecate|promote)")
	proposeCmd.Flags().StringVar(&proposePath, "path", "", "target path relative to the memory root")
	proposeCmd.Flags().StringVar(&proposeFile, "file", "", "read content from file")
	proposeCmd.Flags().BoolVar(&proposeStdin, "stdin", false, "read content from stdin")
	proposeCmd.Flags().StringVar(&proposeReason, "reason", "", "why this change is proposed")
	proposeCmd.Flags().StringVar(&proposeMemoryID, "memory-id", "", "id of the memory being changed")
	proposeCmd.Flags().StringVar(&proposeNewScope, "new-scope", "", "target scope for promote")
	proposeCmd.Flags().StringVar(&proposeBy, "by", "cli", "proposer identity")
	proposeCmd.MarkFlagRequired("path")
	rootCmd.AddCommand(proposeCmd)
}
