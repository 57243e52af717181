package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/skbmirror/internal/mirror/conflict"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/status"
	"github.com/Mschirtzinger/skbmirror/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show mirror sync health",
	Long: `Display the sync health of the tenant's mirror.

Shows:
  - Mirror folder location and whether it is writable
  - Number of synced pages and the last full sync time
  - Conflict backups left on disk`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := openMirror()
		if err != nil {
			return err
		}
		h, err := status.Report(cmd.Context(), a.root, cfg.Tenant, a.meta, a.conflicts)
		if err != nil {
			return err
		}
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(h)
		}

		if h.Status == status.NotInitialized {
			fmt.Printf("\n%s Mirror not initialized for tenant %s\n", ui.RenderWarn("⚠"), h.Tenant)
			fmt.Printf("   Run 'skbmirror sync' to write the pages\n\n")
			return nil
		}

		fmt.Printf("\n%s Mirror Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Tenant: %s\n", h.Tenant)
		fmt.Printf("Status: %s\n", ui.RenderState(string(h.Status)))
		fmt.Printf("Location: %s\n", h.Mirror.Root)
		fmt.Printf("Writable: %t\n", h.Mirror.Writable)
		fmt.Printf("Pages: %d\n", h.Sync.PageCount)
		if h.Sync.LastFullSync != nil {
			fmt.Printf("Last full sync: %s\n", h.Sync.LastFullSync.Local().Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("Conflict files: %d\n", h.Conflicts.FilesOnDisk)
		fmt.Println()
		return nil
	},
}

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "List conflict backups",
	Long: `List the conflict backups left in the mirror.

A backup is written next to a file whenever a sync overwrites local edits.
--since accepts natural language ("2 hours ago", "yesterday"), a Go
duration ("90m") or an RFC 3339 time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceText, _ := cmd.Flags().GetString("since")
		pathsOnly, _ := cmd.Flags().GetBool("files")
		asJSON, _ := cmd.Flags().GetBool("json")

		var since time.Time
		if sinceText != "" {
			t, err := parseSince(sinceText, time.Now())
			if err != nil {
				return err
			}
			since = t
		}

		a, err := openMirror()
		if err != nil {
			return err
		}
		files, err := a.conflicts.ListFiles(cfg.Tenant)
		if err != nil {
			return err
		}
		files = filterSince(files, since)

		switch {
		case asJSON:
			if files == nil {
				files = []conflict.File{}
			}
			return json.NewEncoder(os.Stdout).Encode(files)
		case pathsOnly:
			for _, f := range files {
				fmt.Println(f.Path)
			}
			return nil
		}

		if len(files) == 0 {
			fmt.Printf("%s No conflict backups\n", ui.RenderPass("✓"))
			return nil
		}
		fmt.Printf("%s %d conflict backup(s)\n\n", ui.RenderWarn("⚠"), len(files))
		for _, f := range files {
			fmt.Printf("  %s  %s\n", ui.RenderMuted(f.Created.Local().Format("2006-01-02 15:04:05")), f.Path)
			fmt.Printf("      %s %s\n", ui.RenderMuted("of"), f.OriginalPath)
		}
		fmt.Println()
		return nil
	},
}

// parseSince resolves a --since value relative to now.
func parseSince(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(text); err == nil {
		return now.Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q", text)
	}
	return r.Time, nil
}

func filterSince(files []conflict.File, since time.Time) []conflict.File {
	if since.IsZero() {
		return files
	}
	var out []conflict.File
	for _, f := range files {
		if !f.Created.Before(since) {
			out = append(out, f)
		}
	}
	return out
}

func init() {
	statusCmd.Flags().Bool("json", false, "print the report as JSON")
	conflictsCmd.Flags().String("since", "", "only backups created after this time")
	conflictsCmd.Flags().Bool("files", false, "print backup paths only")
	conflictsCmd.Flags().Bool("json", false, "print the list as JSON")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(conflictsCmd)
}
