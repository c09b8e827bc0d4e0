package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var proposalsStatus string

var proposalsCmd = &cobra.Command{
	Use:   "proposals",
	Short: "List proposals in the review queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		c := newClient(cfg)

		path := "/proposals"
		if proposalsStatus != "" {
			path += "?status=" + url.QueryEscape(proposalsStatus)
		}
		var resp struct {
			Proposals []map[string]any `json:"proposals"`
			Count     int              `json:"count"`
		}
		if err := c.get(path, &resp); err != nil {
			return err
		}
		if verbose {
			return printJSON(resp.Proposals)
		}
		if resp.Count == 0 {
			fmt.Println("No proposals.")
			return nil
		}
		for _, p := range resp.Proposals {
			fmt.Printf("%-42v %-10v %-9v %v\n",
				p["proposal_id"], p["type"], p["status"], p["target_path"])
		}
		return nil
	},
}

func init() {
	proposalsCmd.Flags().StringVar(&proposalsStatus, "status", "", "filter by status")
	rootCmd.AddCommand(proposalsCmd)
}
