package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var decisionNotes string

var approveCmd = &cobra.Command{
	Use:   "approve <proposal-id>",
	Short: "Approve a proposal for commit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide("approve", args[0])
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <proposal-id>",
	Short: "Reject a proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide("reject", args[0])
	},
}

func decide(verdict, id string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	c := newClient(cfg)

	req := map[string]string{"notes": decisionNotes, "actor": "cli"}
	var p map[string]any
	if err := c.post("/review/"+verdict+"/"+id, req, &p); err != nil {
		return err
	}
	fmt.Printf("Proposal %v is now %v\n", p["proposal_id"], p["status"])
	return nil
}

func init() {
	for _, c := range []*cobra.Command{approveCmd, rejectCmd} {
		c.Flags().StringVar(&decisionNotes, "notes", "", "reviewer notes")
		rootCmd.AddCommand(c)
	}
}
