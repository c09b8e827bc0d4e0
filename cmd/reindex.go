package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmm-sh/dmm/internal/db"
	"github.com/dmm-sh/dmm/internal/embeddings"
	"github.com/dmm-sh/dmm/internal/indexer"
	"github.com/dmm-sh/dmm/internal/parser"
	"github.com/dmm-sh/dmm/internal/progress"
	"github.com/dmm-sh/dmm/internal/store"
)

var reindexLocal bool

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rescan the memory tree and refresh the index",
	Long: `Walks the memory tree and reindexes changed files. Uses the running
daemon when one is up; otherwise opens the index directly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, paths, err := loadConfig()
		if err != nil {
			return err
		}

		if !reindexLocal {
			c := newClient(cfg)
			if c.reachable() {
				var res indexer.Result
				if err := c.post("/reindex", nil, &res); err != nil {
					return err
				}
				printReindexResult(&res)
				return nil
			}
		}

		database, err := db.Open(paths.StoreFile(), cfg.Storage)
		if err != nil {
			return err
		}
		defer database.Close()
		st, err := store.New(database)
		if err != nil {
			return err
		}
		if err := st.Load(cmd.Context(), paths.IndexDir()); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: vector load: %v\n", err)
		}
		embedder, err := embeddings.NewFromConfig(cfg.Embeddings)
		if err != nil {
			return err
		}

		ix := indexer.New(cfg, paths.MemoryRoot(), parser.New(cfg.Validation), embedder, st)
		reporter := progress.NewReporter("Reindexing memories")
		started := false
		ix.SetProgressFunc(func(current, total int, path string) {
			if !started {
				reporter.Start(total)
				started = true
			}
			reporter.Update(current, path)
		})

		res, err := ix.ReindexAll(cmd.Context())
		if started {
			reporter.Finish()
		}
		if err != nil {
			return err
		}
		if err := st.Persist(cmd.Context(), paths.IndexDir()); err != nil {
			return err
		}
		printReindexResult(res)
		return nil
	},
}

func printReindexResult(res *indexer.Result) {
	fmt.Printf("Indexed %d, deleted %d, unchanged %d (%dms)\n",
		res.Indexed, res.Deleted, res.Skipped, res.DurationMS)
	for _, fe := range res.Errors {
		fmt.Printf("  %s: %s\n", fe.Path, fe.Error)
	}
}

func init() {
	reindexCmd.Flags().BoolVar(&reindexLocal, "local", false, "bypass the daemon and index directly")
	rootCmd.AddCommand(reindexCmd)
}
