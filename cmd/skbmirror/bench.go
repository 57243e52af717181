package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/skbmirror/internal/logging"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/conflict"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/db"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/dbsync"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/loadtest"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/mirrorfs"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/syncmeta"
	"github.com/Mschirtzinger/skbmirror/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "admin",
	Short:   "Measure sync performance on a generated page tree",
	Long: `Generate a page tree in a scratch database and mirror, then measure:

  1. The time of a full sync
  2. Single-page sync latency while several editors save pages

The configured database and mirror are not touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pages, _ := cmd.Flags().GetInt("pages")
		fanout, _ := cmd.Flags().GetInt("fanout")
		editors, _ := cmd.Flags().GetInt("editors")
		edits, _ := cmd.Flags().GetInt("edits")
		keep, _ := cmd.Flags().GetBool("keep")
		verbose, _ := cmd.Flags().GetBool("verbose")

		dir, err := os.MkdirTemp("", "skbmirror-bench-")
		if err != nil {
			return err
		}
		if !keep {
			defer os.RemoveAll(dir)
		}

		// Per-page sync logs would drown the report.
		blog := logging.Discard()
		if verbose {
			blog = logger
		}

		ctx := cmd.Context()
		store, err := db.Open(ctx, filepath.Join(dir, "bench.db"))
		if err != nil {
			return err
		}
		defer store.Close()

		root, err := mirrorfs.New(filepath.Join(dir, "mirror"))
		if err != nil {
			return err
		}
		meta := syncmeta.NewStore(root, blog)
		svc := dbsync.New(dbsync.Config{
			Root:         root,
			Store:        store,
			Meta:         meta,
			Conflicts:    conflict.NewDetector(meta, conflict.Options{Logger: blog}),
			Logger:       blog,
			LockTTL:      cfg.LockTTL,
			ReleaseDelay: cfg.ReleaseDelay,
		})
		defer svc.ReleaseAll()

		fmt.Printf("%s Generating %d pages...\n", ui.RenderAccent("🧪"), pages)
		td, err := loadtest.Populate(ctx, store, "bench", pages, fanout)
		if err != nil {
			return err
		}
		fmt.Printf("   Parents: %d, depth: %d\n", td.Parents, td.Depth)

		elapsed, res, err := td.FullSync(ctx, svc)
		if err != nil {
			return fmt.Errorf("full sync failed: %w", err)
		}
		printResult(res, elapsed)

		fmt.Printf("\n%s %d editors x %d saves\n", ui.RenderAccent("✏️"), editors, edits)
		stats, err := td.RunConcurrentEdits(ctx, svc, editors, edits)
		if err != nil {
			return err
		}
		stats.Print(os.Stdout)

		if keep {
			fmt.Printf("\nScratch data kept in %s\n", dir)
		}
		return nil
	},
}

func init() {
	benchCmd.Flags().Int("pages", 500, "number of pages to generate")
	benchCmd.Flags().Int("fanout", 10, "number of root pages")
	benchCmd.Flags().Int("editors", 10, "concurrent editors")
	benchCmd.Flags().Int("edits", 20, "saves per editor")
	benchCmd.Flags().Bool("keep", false, "keep the scratch database and mirror")
	benchCmd.Flags().BoolP("verbose", "v", false, "log every sync")
	rootCmd.AddCommand(benchCmd)
}
