package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/skbmirror/internal/mirror/dbsync"
	"github.com/Mschirtzinger/skbmirror/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Write pages from the database to the mirror",
	Long: `Write every page of the tenant to the mirror folder.

A full sync:
  1. Removes files of pages that no longer exist
  2. Moves files of pages whose title or parent changed
  3. Writes every page whose file content differs

Files edited on disk since the last sync are backed up as
<name>.conflict-<timestamp>.md before being overwritten.

With --page only that page is written.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pageID, _ := cmd.Flags().GetString("page")
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		svc := a.syncService(nil)
		defer svc.ReleaseAll()

		if pageID != "" {
			if err := svc.SyncPage(cmd.Context(), cfg.Tenant, pageID); err != nil {
				return fmt.Errorf("failed to sync page %s: %w", pageID, err)
			}
			if !asJSON {
				fmt.Printf("%s Page %s synced\n", ui.RenderPass("✓"), pageID)
			}
			return nil
		}

		if !asJSON {
			fmt.Printf("%s Syncing tenant %s to %s...\n", ui.RenderAccent("🔄"), cfg.Tenant, a.root.Dir())
		}
		start := time.Now()
		res, err := svc.FullSync(cmd.Context(), cfg.Tenant)
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		if asJSON {
			return json.NewEncoder(os.Stdout).Encode(res)
		}
		printResult(res, time.Since(start))
		return nil
	},
}

func printResult(res dbsync.Result, elapsed time.Duration) {
	mark := ui.RenderPass("✓")
	if res.Failed > 0 {
		mark = ui.RenderWarn("⚠")
	}
	fmt.Printf("%s Sync complete in %v\n", mark, elapsed.Round(time.Millisecond))
	fmt.Printf("   Written: %d\n", res.Synced)
	fmt.Printf("   Unchanged: %d\n", res.Skipped)
	fmt.Printf("   Removed: %d\n", res.Removed)
	if res.Failed > 0 {
		fmt.Printf("   Failed: %s\n", ui.RenderFail(fmt.Sprint(res.Failed)))
		for _, e := range res.Errors {
			fmt.Printf("     %s: %s\n", e.PageID, e.Error)
		}
	}
}

func init() {
	syncCmd.Flags().String("page", "", "sync a single page by id")
	syncCmd.Flags().Bool("json", false, "print the result as JSON")
	rootCmd.AddCommand(syncCmd)
}
