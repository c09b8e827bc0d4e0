package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	queryBudget         int
	queryBaselineBudget int
	queryScopes         []string
	queryNoEphemeral    bool
	queryDeprecated     bool
	queryJSON           bool
)

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Retrieve a memory pack for a query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		c := newClient(cfg)

		req := map[string]any{"query": args[0], "verbose": verbose}
		if queryBudget > 0 {
			req["budget"] = queryBudget
		}
		if queryBaselineBudget > 0 {
			req["baseline_budget"] = queryBaselineBudget
		}
		if len(queryScopes) > 0 {
			req["scopes"] = queryScopes
		}
		if queryNoEphemeral {
			req["exclude_ephemeral"] = true
		}
		if queryDeprecated {
			req["include_deprecated"] = true
		}
		var resp struct {
			Pack     map[string]any `json:"pack"`
			Rendered string         `json:"rendered"`
		}
		if err := c.post("/query", req, &resp); err != nil {
			return err
		}
		if queryJSON {
			return printJSON(resp.Pack)
		}
		fmt.Print(resp.Rendered)
		return nil
	},
}

func init() {
	queryCmd.Flags().IntVar(&queryBudget, "budget", 0, "token budget (default from config)")
	queryCmd.Flags().IntVar(&queryBaselineBudget, "baseline-budget", 0, "pin the baseline token reserve")
	queryCmd.Flags().StringSliceVar(&queryScopes, "scope", nil, "restrict retrieval to scopes")
	queryCmd.Flags().BoolVar(&queryNoEphemeral, "no-ephemeral", false, "exclude ephemeral memories")
	queryCmd.Flags().BoolVar(&queryDeprecated, "include-deprecated", false, "include deprecated memories")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "print the pack as JSON")
	rootCmd.AddCommand(queryCmd)
}
