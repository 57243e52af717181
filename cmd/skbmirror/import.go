package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/skbmirror/internal/logging"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/seed"
	"github.com/Mschirtzinger/skbmirror/internal/ui"
)

var importCmd = &cobra.Command{
	Use:     "import FILE.jsonl",
	GroupID: "admin",
	Short:   "Import pages from a JSON Lines file",
	Long: `Create one page per line of FILE.jsonl:

  {"id":"...","title":"...","icon":"...","parentId":"...","position":0,"content":{"type":"doc",...}}

"markdown" may be given instead of "content". Parents are created before
their children and new ids are assigned. Malformed lines are skipped.

With --sync the tenant is written to the mirror afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doSync, _ := cmd.Flags().GetBool("sync")

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		defer f.Close()

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		start := time.Now()
		res, err := seed.ImportJSONL(cmd.Context(), f, a.store, cfg.Tenant, logger)
		if err != nil {
			return fmt.Errorf("import failed after %d page(s): %w", res.Imported, err)
		}
		logger.Debug("Import finished", "tenant", cfg.Tenant, "imported", res.Imported, logging.Since(start))
		mark := ui.RenderPass("✓")
		if res.Skipped > 0 {
			mark = ui.RenderWarn("⚠")
		}
		fmt.Printf("%s Imported %d page(s) into %s\n", mark, res.Imported, cfg.Tenant)
		if res.Skipped > 0 {
			fmt.Printf("   Skipped: %d\n", res.Skipped)
			for _, e := range res.Errors {
				fmt.Printf("     %s\n", e)
			}
		}

		if !doSync {
			return nil
		}
		svc := a.syncService(nil)
		defer svc.ReleaseAll()
		sres, err := svc.FullSync(cmd.Context(), cfg.Tenant)
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		fmt.Printf("%s Wrote %d file(s) to %s\n", ui.RenderPass("✓"), sres.Synced, a.root.Dir())
		return nil
	},
}

func init() {
	importCmd.Flags().Bool("sync", false, "run a full sync after the import")
	rootCmd.AddCommand(importCmd)
}
